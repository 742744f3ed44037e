package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database string
	After    int64
	Limit    int
	Type     string
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event journal",
		Long: `Read journaled events from a server's SQLite database in seq order.

Example:
  tempo events --db ./tempo.db
  tempo events --db ./tempo.db --after 120 --type actions.bundle_applied`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of events")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only events of this type")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// Opening creates missing databases; a typo should not.
	if _, err := os.Stat(opts.Database); errors.Is(err, fs.ErrNotExist) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "open database", err)
	}

	st, err := store.Open(opts.Database, store.Options{})
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var evs []events.Event
	if opts.Type != "" {
		evs, err = st.ReadEventsByType(ctx, opts.Type, opts.After, opts.Limit)
	} else {
		evs, err = st.ReadEvents(ctx, opts.After, opts.Limit)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "read events", err)
	}
	formatter.VerboseLog("Read %d event(s) after seq %d", len(evs), opts.After)

	return formatter.Success(evs, func(w io.Writer) {
		for _, e := range evs {
			fmt.Fprintf(w, "%6d  %s  %-28s v%-4d %s\n", e.Seq, e.TS.Format(time.RFC3339), e.Type, e.StateVersion, e.Payload)
		}
	})
}
