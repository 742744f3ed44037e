package transport

import (
	"fmt"
	"time"
)

// DefaultQuarterNotesPerBar is used when a snapshot leaves the time signature unset (4/4).
const DefaultQuarterNotesPerBar = 4.0

// Snapshot is an immutable reading of the transport position.
//
// Beat is 1-based and measured in quarter notes. QuarterNotesPerBar encodes
// the time signature: 4.0 for 4/4, 3.0 for 3/4 and 6/8, 3.5 for 7/8.
type Snapshot struct {
	Bar                int     `json:"bar"`
	Beat               float64 `json:"beat"`
	BPM                float64 `json:"bpm"`
	QuarterNotesPerBar float64 `json:"quarterNotesPerBar"`
}

// QN returns the quarter notes per bar, falling back to 4/4.
func (s Snapshot) QN() float64 {
	if s.QuarterNotesPerBar <= 0 {
		return DefaultQuarterNotesPerBar
	}
	return s.QuarterNotesPerBar
}

// TotalBeats flattens the position into quarter notes since bar 1 beat 1.
//
// Beat values above the bar length are not normalized; the overflow simply
// carries into the total.
func (s Snapshot) TotalBeats() float64 {
	return float64(s.Bar-1)*s.QN() + (s.Beat - 1)
}

// SnapshotAt converts a flattened beat position back into bar/beat.
func SnapshotAt(totalBeats, bpm, qn float64) Snapshot {
	if qn <= 0 {
		qn = DefaultQuarterNotesPerBar
	}
	bar, beat := barBeat(totalBeats, qn)
	return Snapshot{Bar: bar, Beat: beat, BPM: bpm, QuarterNotesPerBar: qn}
}

// Anchor is a symbolic time reference resolved against the running transport.
type Anchor string

const (
	AnchorNow                 Anchor = "now"
	AnchorNextBeat            Anchor = "next_beat"
	AnchorNextBar             Anchor = "next_bar"
	AnchorAtTransportPosition Anchor = "at_transport_position"
)

// Anchors lists every supported anchor.
var Anchors = []Anchor{AnchorNow, AnchorNextBeat, AnchorNextBar, AnchorAtTransportPosition}

// Quantization is a musical grid a resolved time snaps to.
type Quantization string

const (
	QuantizeOff          Quantization = "off"
	QuantizeThirtySecond Quantization = "1/32"
	QuantizeSixteenth    Quantization = "1/16"
	QuantizeEighth       Quantization = "1/8"
	QuantizeQuarter      Quantization = "1/4"
	QuantizeHalf         Quantization = "1/2"
	QuantizeBar          Quantization = "1_bar"
	QuantizeTwoBars      Quantization = "2_bar"
	QuantizeFourBars     Quantization = "4_bar"
)

// Quantizations lists every supported grid, finest first.
var Quantizations = []Quantization{
	QuantizeOff, QuantizeThirtySecond, QuantizeSixteenth, QuantizeEighth,
	QuantizeQuarter, QuantizeHalf, QuantizeBar, QuantizeTwoBars, QuantizeFourBars,
}

// subBeatSteps are independent of the time signature.
var subBeatSteps = map[Quantization]float64{
	QuantizeThirtySecond: 0.125,
	QuantizeSixteenth:    0.25,
	QuantizeEighth:       0.5,
	QuantizeQuarter:      1.0,
	QuantizeHalf:         2.0,
}

// barSteps are multiples of the caller-supplied bar length.
var barSteps = map[Quantization]float64{
	QuantizeBar:      1,
	QuantizeTwoBars:  2,
	QuantizeFourBars: 4,
}

// QuantizationStepBeats returns the grid step in quarter notes.
// ok is false for "off" and unknown grids.
func QuantizationStepBeats(q Quantization, qn float64) (step float64, ok bool) {
	if s, found := subBeatSteps[q]; found {
		return s, true
	}
	if bars, found := barSteps[q]; found {
		if qn <= 0 {
			qn = DefaultQuarterNotesPerBar
		}
		return bars * qn, true
	}
	return 0, false
}

// Span is a length expressed in exactly one unit.
type Span struct {
	Ms    *float64 `json:"ms,omitempty"`
	Beats *float64 `json:"beats,omitempty"`
	Bars  *float64 `json:"bars,omitempty"`
}

func (s *Span) fieldsSet() int {
	n := 0
	for _, f := range []*float64{s.Ms, s.Beats, s.Bars} {
		if f != nil {
			n++
		}
	}
	return n
}

func (s *Span) validate(name string) error {
	if s == nil {
		return nil
	}
	if s.fieldsSet() > 1 {
		return fmt.Errorf("%s: at most one of ms, beats, bars may be set", name)
	}
	for _, f := range []*float64{s.Ms, s.Beats, s.Bars} {
		if f != nil && *f < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}
	return nil
}

// InBeats converts the span to quarter notes at the given tempo and bar length.
func (s *Span) InBeats(bpm, qn float64) float64 {
	switch {
	case s == nil:
		return 0
	case s.Beats != nil:
		return *s.Beats
	case s.Bars != nil:
		return *s.Bars * qn
	case s.Ms != nil:
		return DurationToBeats(time.Duration(*s.Ms*float64(time.Millisecond)), bpm)
	default:
		return 0
	}
}

// Position is an explicit transport location.
type Position struct {
	Bar  int     `json:"bar"`
	Beat float64 `json:"beat"`
}

// TimeSpec describes when an action should fire.
type TimeSpec struct {
	Anchor       Anchor       `json:"anchor"`
	Quantization Quantization `json:"quantization,omitempty"`

	// Duration is the action's length, e.g. a ramp's length.
	Duration *Span `json:"duration,omitempty"`

	// Offset is added after anchoring and before quantization ("in 2 bars").
	Offset *Span `json:"offset,omitempty"`

	// Position is the target for AnchorAtTransportPosition. Absent means now.
	Position *Position `json:"position,omitempty"`
}

// Validate rejects malformed time specs.
func (t TimeSpec) Validate() error {
	switch t.Anchor {
	case AnchorNow, AnchorNextBeat, AnchorNextBar, AnchorAtTransportPosition:
	case "":
		return fmt.Errorf("anchor is required")
	default:
		return fmt.Errorf("unknown anchor %q", t.Anchor)
	}

	if t.Quantization != "" && t.Quantization != QuantizeOff {
		if _, ok := QuantizationStepBeats(t.Quantization, DefaultQuarterNotesPerBar); !ok {
			return fmt.Errorf("unknown quantization %q", t.Quantization)
		}
	}

	if err := t.Duration.validate("duration"); err != nil {
		return err
	}
	if err := t.Offset.validate("offset"); err != nil {
		return err
	}

	if t.Position != nil {
		if t.Anchor != AnchorAtTransportPosition {
			return fmt.Errorf("position is only valid with anchor %q", AnchorAtTransportPosition)
		}
		if t.Position.Bar < 1 || t.Position.Beat < 1 {
			return fmt.Errorf("position must be at or after bar 1 beat 1")
		}
	}
	return nil
}

// Immediate is the time spec used for undo and redo bundles.
func Immediate() TimeSpec {
	return TimeSpec{Anchor: AnchorNow, Quantization: QuantizeOff}
}
