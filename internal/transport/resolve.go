package transport

import (
	"math"
	"time"
)

// epsilon absorbs float noise when comparing beat positions.
const epsilon = 1e-9

// ResolvedTime is the absolute target of a TimeSpec and its distance from now.
type ResolvedTime struct {
	Bar           int     `json:"bar"`
	Beat          float64 `json:"beat"`
	BeatsDelta    float64 `json:"beatsDelta"`
	TargetBeats   float64 `json:"targetBeats"`
	DurationBeats float64 `json:"durationBeats,omitempty"`
}

// Resolve maps a time spec onto the transport.
//
// Pure and deterministic. The result never lies before current: BeatsDelta
// is always >= 0.
func Resolve(current Snapshot, spec TimeSpec) ResolvedTime {
	qn := current.QN()
	now := current.TotalBeats()

	target := now
	switch spec.Anchor {
	case AnchorNextBeat:
		target = ceil(now)
		if nearlyEqual(target, now) {
			target = now + 1
		}
	case AnchorNextBar:
		target = ceil(now/qn) * qn
		if nearlyEqual(target, now) {
			target = now + qn
		}
	case AnchorAtTransportPosition:
		if spec.Position != nil {
			pos := Snapshot{Bar: spec.Position.Bar, Beat: spec.Position.Beat, QuarterNotesPerBar: qn}
			target = math.Max(pos.TotalBeats(), now)
		}
	}

	target += spec.Offset.InBeats(current.BPM, qn)

	if step, ok := QuantizationStepBeats(spec.Quantization, qn); ok {
		target = ceil(target/step) * step
	}

	bar, beat := barBeat(target, qn)
	return ResolvedTime{
		Bar:           bar,
		Beat:          beat,
		BeatsDelta:    math.Max(target-now, 0),
		TargetBeats:   target,
		DurationBeats: spec.Duration.InBeats(current.BPM, qn),
	}
}

func barBeat(total, qn float64) (int, float64) {
	bar := int(math.Floor(total/qn+epsilon)) + 1
	beat := total - float64(bar-1)*qn + 1
	if beat < 1 {
		beat = 1
	}
	return bar, beat
}

// ceil rounds up, treating values within epsilon of an integer as that integer.
func ceil(x float64) float64 {
	return math.Ceil(x - epsilon)
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// BeatsToDuration converts quarter notes to wall time at bpm.
func BeatsToDuration(beats, bpm float64) time.Duration {
	if bpm <= 0 {
		return 0
	}
	return time.Duration(beats * 60 / bpm * float64(time.Second))
}

// DurationToBeats converts wall time to quarter notes at bpm.
func DurationToBeats(d time.Duration, bpm float64) float64 {
	return d.Seconds() * bpm / 60
}
