package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chittyos/chittysync/internal/chittysync"
	"github.com/chittyos/chittysync/internal/config"
	"github.com/chittyos/chittysync/internal/httpapi"
	"github.com/chittyos/chittysync/internal/intake"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the chittysync daemon: the HTTP API, the retry drain loop, and
optionally the spool-directory intake.

Configuration comes from a TOML file plus CHITTYSYNC_* environment
overrides. The only required setting is sync.session_id.

Example:
  chittysync serve --config /etc/chittysync/chittysync.toml
  CHITTYSYNC_SESSION_ID=intake-1 chittysync serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to TOML config file")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	logger := buildLogger(cfg.Logging, opts.Verbose)
	slog.SetDefault(logger)

	coordinator, cleanup, err := buildCoordinator(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build coordinator", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Intake.Enabled {
		watcher, err := intake.NewWatcher(coordinator, intake.Options{
			Dir:            cfg.Intake.Dir,
			RescanInterval: cfg.Intake.RescanInterval.Std(),
			Logger:         logger,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to build intake watcher", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start intake watcher", err)
		}
		defer watcher.Stop()
		logger.Info("intake watching spool", "dir", cfg.Intake.Dir)
	}

	api := httpapi.NewServer(coordinator, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.AuthSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow.Std(),
	}, logger)
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chittysync listening",
			"addr", cfg.Server.ListenAddr,
			"session", coordinator.SessionID())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server failed", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
}

func buildCoordinator(cfg *config.Config, logger *slog.Logger) (*chittysync.Coordinator, func(), error) {
	limiter, err := chittysync.NewRateLimiter(cfg.Sync.RateRequests, cfg.Sync.RatePer.Std())
	if err != nil {
		return nil, nil, err
	}
	breaker, err := chittysync.NewCircuitBreaker(cfg.Sync.BreakerThreshold, cfg.Sync.BreakerTimeout.Std())
	if err != nil {
		return nil, nil, err
	}
	dlq, err := chittysync.NewDeadLetterQueue(cfg.Sync.MaxAttempts, cfg.Sync.RetryBaseDelay.Std(), cfg.Sync.RetryMaxDelay.Std())
	if err != nil {
		return nil, nil, err
	}
	resolver, err := chittysync.NewConflictResolver(chittysync.Strategy(cfg.Sync.ConflictStrategy))
	if err != nil {
		return nil, nil, err
	}

	var store chittysync.RecordStore
	if cfg.Store.Mode == "http" {
		token := cfg.Store.APIToken
		store = chittysync.NewHTTPRecordStore(chittysync.HTTPRecordStoreOptions{
			BaseURL:    cfg.Store.BaseURL,
			APIVersion: cfg.Store.APIVersion,
			TokenProvider: func(ctx context.Context) (string, error) {
				return token, nil
			},
		})
	}

	var backend chittysync.StateBackend
	switch cfg.State.Backend {
	case "file":
		backend = chittysync.NewJSONFileStateBackend(cfg.State.Path)
	case "sqlite":
		backend, err = chittysync.NewSQLiteStateBackend(cfg.State.Path)
	case "postgres":
		backend, err = chittysync.NewPostgresStateBackend(cfg.State.DSN)
	}
	if err != nil {
		return nil, nil, err
	}

	var broadcaster chittysync.PeerBroadcaster
	var wsBroadcaster *chittysync.WebsocketBroadcaster
	if len(cfg.Server.PeerURLs) > 0 {
		wsBroadcaster = chittysync.NewWebsocketBroadcaster(cfg.Server.PeerURLs, logger)
		broadcaster = wsBroadcaster
	}

	coordinator, err := chittysync.NewCoordinator(chittysync.CoordinatorOptions{
		SessionID:     cfg.Sync.SessionID,
		Store:         store,
		Broadcaster:   broadcaster,
		RateLimiter:   limiter,
		Breaker:       breaker,
		DLQ:           dlq,
		Resolver:      resolver,
		StateBackend:  backend,
		DrainInterval: cfg.Sync.DrainInterval.Std(),
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		coordinator.Close()
		if wsBroadcaster != nil {
			_ = wsBroadcaster.Close()
		}
	}
	return coordinator, cleanup, nil
}
