package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tempo/internal/api"
	"github.com/roach88/tempo/internal/config"
	"github.com/roach88/tempo/internal/engine"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/store"
)

const pruneInterval = time.Hour

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Addr       string
	Database   string
	Registry   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling server",
		Long: `Run the HTTP/WebSocket API, the transport clock and the execution bridge.

Configuration comes from the YAML file given by --config, then TEMPO_*
environment variables, then these flags.

Example:
  tempo serve --config tempo.yaml
  TEMPO_API_TOKEN=secret tempo serve --db ./tempo.db --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite journal path (overrides config)")
	cmd.Flags().StringVar(&opts.Registry, "registry", "", "parameter registry YAML (overrides config)")

	return cmd
}

// loadConfig resolves the configuration for serve.
func loadConfig(opts *ServeOptions) (config.Config, error) {
	var cfg config.Config
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnv(); err != nil {
			return config.Config{}, err
		}
	}

	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.Registry != "" {
		cfg.RegistryPath = opts.Registry
	}
	if opts.Verbose {
		cfg.Logging.Level = string(logger.DebugLevel)
	}
	return cfg, cfg.Validate()
}

// engineOptions maps the configuration onto engine options.
func engineOptions(cfg config.Config, st *store.Store) []engine.Option {
	opts := []engine.Option{
		engine.WithTempo(cfg.Transport.BPM, cfg.Transport.QuarterNotesPerBar, cfg.Transport.Autoplay),
		engine.WithPolicy(cfg.Policy),
		engine.WithQueue(cfg.Queue.Capacity, cfg.Queue.Retain),
		engine.WithHistoryLimit(cfg.HistoryLimit),
		engine.WithValidationTTL(cfg.Validation.TTL, cfg.Validation.ConfirmationTTL),
		engine.WithBridge(cfg.Bridge.Tolerance, cfg.Bridge.Interval, cfg.Bridge.SinkBuffer),
		engine.WithEvents(cfg.Events.RingSize, cfg.Events.SubscriberBuffer),
	}
	if st != nil {
		opts = append(opts, engine.WithStore(st))
	}
	return opts
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	zap.ReplaceGlobals(logger.New(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format, logger.FormatJSON)))
	defer func() { _ = logger.Sync() }()
	log := logger.For(logger.ComponentCLI)

	reg, err := loadRegistry(cfg.RegistryPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load parameter registry", err)
	}

	var st *store.Store
	if cfg.DBPath != "" {
		log.Infow("Opening journal", "path", cfg.DBPath)
		st, err = store.Open(cfg.DBPath, store.Options{Retention: cfg.IdempotencyRetention})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
	} else {
		log.Warn("No database configured, events and idempotency keys are kept in memory only")
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Infow("Received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	eng, err := engine.New(ctx, reg, engineOptions(cfg, st)...)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			log.Errorw("Error closing database", "error", closeErr)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := api.New(eng, api.Options{Tokens: cfg.Tokens, SessionIdleTTL: cfg.SessionIdleTTL})

	fmt.Fprintf(cmd.OutOrStdout(), "tempo listening on %s\n", cfg.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, cfg.Addr) })
	g.Go(func() error { return drainSink(gctx, eng) })
	if st != nil {
		g.Go(func() error { return pruneLoop(gctx, st) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "server error", err)
	}
	log.Info("Server stopped gracefully")
	return nil
}

// drainSink stands in for the audio engine: it consumes parameter sets so
// the bridge never backs up, logging them at debug level.
func drainSink(ctx context.Context, eng *engine.Engine) error {
	log := logger.For(logger.ComponentBridge)
	sink := eng.Sink()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-sink:
			log.Debugw("Audio command", "targetBeat", c.TargetBeats, "path", c.Path, "value", c.Value, "bundleId", c.BundleID)
		}
	}
}

// pruneLoop removes expired idempotency records.
func pruneLoop(ctx context.Context, st *store.Store) error {
	log := logger.For(logger.ComponentStore)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := st.PruneIdempotency(ctx)
			if err != nil {
				log.Warnw("Failed to prune idempotency records", "error", err)
				continue
			}
			if n > 0 {
				log.Infow("Pruned idempotency records", "count", n)
			}
		}
	}
}
