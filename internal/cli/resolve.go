package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tempo/internal/transport"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Bar          int
	Beat         float64
	BPM          float64
	QN           float64
	Anchor       string
	Quantization string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a time spec against a transport position",
		Long: `Resolve an anchor and quantization to an absolute bar and beat.

Example:
  tempo resolve --bar 5 --beat 3.75 --bpm 124 --anchor next_bar --quantize 1/16
  tempo resolve --bar 1 --beat 3 --qn 3.5 --anchor next_bar`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Bar, "bar", 1, "current bar (1-based)")
	cmd.Flags().Float64Var(&opts.Beat, "beat", 1, "current beat within the bar (1-based)")
	cmd.Flags().Float64Var(&opts.BPM, "bpm", 120, "tempo in beats per minute")
	cmd.Flags().Float64Var(&opts.QN, "qn", transport.DefaultQuarterNotesPerBar, "quarter notes per bar")
	cmd.Flags().StringVar(&opts.Anchor, "anchor", string(transport.AnchorNextBeat), "anchor (now|next_beat|next_bar|at_transport_position)")
	cmd.Flags().StringVar(&opts.Quantization, "quantize", string(transport.QuantizeOff), "quantization grid (off|1/32|1/16|1/8|1/4|1/2|1_bar|2_bar|4_bar)")

	return cmd
}

type resolveOutput struct {
	Current  transport.Snapshot     `json:"current"`
	Spec     transport.TimeSpec     `json:"spec"`
	Resolved transport.ResolvedTime `json:"resolved"`
	InMs     int64                  `json:"inMs"`
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	current := transport.Snapshot{Bar: opts.Bar, Beat: opts.Beat, BPM: opts.BPM, QuarterNotesPerBar: opts.QN}
	spec := transport.TimeSpec{
		Anchor:       transport.Anchor(opts.Anchor),
		Quantization: transport.Quantization(opts.Quantization),
	}
	if err := spec.Validate(); err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid time spec", err)
	}
	if opts.Bar < 1 || opts.Beat < 1 || opts.BPM <= 0 || opts.QN <= 0 {
		msg := "bar and beat must be >= 1, bpm and qn must be positive"
		_ = formatter.Error(ErrCodeInvalidInput, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	resolved := transport.Resolve(current, spec)
	out := resolveOutput{
		Current:  current,
		Spec:     spec,
		Resolved: resolved,
		InMs:     transport.BeatsToDuration(resolved.BeatsDelta, opts.BPM).Milliseconds(),
	}
	formatter.VerboseLog("Current position is %.4f beats", current.TotalBeats())
	return formatter.Success(out, func(w io.Writer) {
		fmt.Fprintf(w, "bar %d beat %g (in %g beats, %d ms)\n", resolved.Bar, resolved.Beat, resolved.BeatsDelta, out.InMs)
	})
}
