package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/tempo/internal/params"
)

// ParamsOptions holds flags for the params command.
type ParamsOptions struct {
	*RootOptions
	Registry string
	Module   string
}

// NewParamsCommand creates the params command.
func NewParamsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParamsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "params",
		Short: "List addressable parameters",
		Long: `List the parameter registry: paths, kinds, ranges, defaults and risk.

Example:
  tempo params
  tempo params --module fx --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParams(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Registry, "registry", "", "parameter registry YAML (default: built-in)")
	cmd.Flags().StringVar(&opts.Module, "module", "", "only parameters whose path starts with this prefix")

	return cmd
}

func runParams(opts *ParamsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	reg, err := loadRegistry(opts.Registry)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load registry", err)
	}

	var specs []params.Spec
	for _, s := range reg.All() {
		if opts.Module == "" || params.UnderModule(s.Path, opts.Module) {
			specs = append(specs, s)
		}
	}
	formatter.VerboseLog("%d of %d parameter specs match", len(specs), len(reg.All()))

	return formatter.Success(specs, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tKIND\tRANGE\tDEFAULT\tRISK")
		for _, s := range specs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", s.Path, s.Kind, domain(s), s.Default, s.RiskClass)
		}
		_ = tw.Flush()
	})
}

func domain(s params.Spec) string {
	switch {
	case len(s.Enum) > 0:
		return strings.Join(s.Enum, "|")
	case s.Min != nil && s.Max != nil:
		r := fmt.Sprintf("%g..%g", *s.Min, *s.Max)
		if s.Unit != "" {
			r += " " + s.Unit
		}
		return r
	default:
		return "-"
	}
}
