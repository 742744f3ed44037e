package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/engine"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/validate"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Registry string
	BPM      float64
	QN       float64
	MaxRisk  string
	Locks    []string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <bundle.json>",
		Short: "Validate an action bundle offline",
		Long: `Validate an action bundle against the parameter registry and a policy,
starting from the registry's default state.

Nothing is scheduled. Exits 1 when the bundle is invalid.

Example:
  tempo validate bundle.json
  tempo validate --max-risk medium --lock loop.voiceA bundle.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Registry, "registry", "", "parameter registry YAML (default: built-in)")
	cmd.Flags().Float64Var(&opts.BPM, "bpm", 120, "transport tempo")
	cmd.Flags().Float64Var(&opts.QN, "qn", 4, "quarter notes per bar")
	cmd.Flags().StringVar(&opts.MaxRisk, "max-risk", "", "policy maxRisk (low|medium|high)")
	cmd.Flags().StringSliceVar(&opts.Locks, "lock", nil, "modules to treat as locked")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	bundle, err := readBundle(path)
	if err != nil {
		code := ErrCodeInvalidInput
		if errors.Is(err, fs.ErrNotExist) {
			code = ErrCodeNotFound
		}
		_ = formatter.Error(code, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read bundle", err)
	}

	reg, err := loadRegistry(opts.Registry)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load registry", err)
	}
	formatter.VerboseLog("Validating %d action(s) from %s", len(bundle.Actions), path)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := engine.New(ctx, reg, engine.WithTempo(opts.BPM, opts.QN, false))
	if err != nil {
		return WrapExitError(ExitCommandError, "start engine", err)
	}

	policy := validate.Policy{MaxRisk: action.Risk(opts.MaxRisk), LockModules: opts.Locks}
	res, err := eng.Validate(bundle, &policy)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "validate", err)
	}

	if !res.Valid {
		first := res.Errors[0]
		_ = formatter.Error(string(first.Code), first.Message, res.Errors)
		if formatter.Format == "text" {
			for _, f := range res.Errors {
				fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", f.Code, f.Path, f.Message)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("bundle %q is invalid", bundle.BundleID))
	}

	return formatter.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Bundle %q is valid (risk %s", res.BundleID, res.Risk)
		if res.RequiresConfirmation {
			fmt.Fprint(w, ", requires confirmation")
		}
		fmt.Fprintln(w, ")")
		if res.MusicalDiff != nil {
			fmt.Fprint(w, res.MusicalDiff.Render())
		}
	})
}

func readBundle(path string) (action.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return action.Bundle{}, err
	}
	var b action.Bundle
	if err := gojson.Unmarshal(data, &b); err != nil {
		return action.Bundle{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return b, nil
}

func loadRegistry(path string) (*params.Registry, error) {
	if path == "" {
		return params.Default(), nil
	}
	return params.Load(path)
}
