package validate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/tempo/internal/transport"
)

// Change is one before/after pair in a MusicalDiff.
type Change struct {
	ActionID string `json:"actionId"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Before   any    `json:"before"`
	After    any    `json:"after"`
}

// Timing summarizes when the bundle takes effect.
type Timing struct {
	Anchor       transport.Anchor       `json:"anchor"`
	Quantization transport.Quantization `json:"quantization,omitempty"`
	Bar          int                    `json:"bar"`
	Beat         float64                `json:"beat"`
	BeatsDelta   float64                `json:"beatsDelta"`
}

// MusicalDiff describes what a bundle would change, for human review.
type MusicalDiff struct {
	Changes []Change `json:"changes"`
	Timing  Timing   `json:"timing"`
	Summary string   `json:"summary"`
}

// Render formats the diff as indented text, one change per line.
func (d MusicalDiff) Render() string {
	var b strings.Builder
	b.WriteString(d.Summary)
	b.WriteByte('\n')
	for _, c := range d.Changes {
		fmt.Fprintf(&b, "  %s %s %s: %s -> %s\n", c.ActionID, c.Type, c.Path, formatValue(c.Before), formatValue(c.After))
	}
	return b.String()
}

func summarize(changes []Change, t Timing) string {
	noun := "changes"
	if len(changes) == 1 {
		noun = "change"
	}
	q := t.Quantization
	if q == "" {
		q = transport.QuantizeOff
	}
	return fmt.Sprintf("%d %s at bar %d beat %s (%s, %s, in %s beats)",
		len(changes), noun, t.Bar, formatFloat(t.Beat), t.Anchor, q, formatFloat(t.BeatsDelta))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(unset)"
	case float64:
		return formatFloat(x)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
