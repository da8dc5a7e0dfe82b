package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/driver_downloader/internal/cleanup"
	"github.com/italolelis/driver_downloader/internal/config"
	"github.com/italolelis/driver_downloader/internal/digest"
	"github.com/italolelis/driver_downloader/internal/downloader"
	"github.com/italolelis/driver_downloader/internal/events"
	"github.com/italolelis/driver_downloader/internal/http/fetch"
	"github.com/italolelis/driver_downloader/internal/http/rest"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/notifier"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/storage/sqlite"
	"github.com/italolelis/driver_downloader/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download service and its HTTP API",
	Long: `Run the download service. It is configured through environment variables,
for example TARGET_DIR, DB_PATH, MAX_PARALLEL and WEB_BIND_ADDRESS.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		logger := logctx.NewLogger(os.Stdout, cfg.SlogLevel(), true)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("driver downloader starting...", "version", version, "log_level", cfg.LogLevel)

		return run(logctx.WithLogger(ctx, logger), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    "driver_downloader",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedDownloadRepository(database, tel)
	catalog := sqlite.NewInstrumentedCatalogRepository(database, tel)

	seeded, err := catalog.SeedDefaults(ctx, storage.DefaultCatalog())
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	if seeded {
		logger.Info("catalog seeded with default entries", "entries", len(storage.DefaultCatalog()))
	}

	// =========================================================================
	// Start Download Controller
	verifier, err := digest.New(cfg.DigestAlgorithm)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	fetchOpts := fetch.DefaultOptions()
	fetchOpts.ConnectTimeout = cfg.ConnectTimeout
	fetchOpts.IdleTimeout = cfg.IdleTimeout
	fetchOpts.RetryAttempts = cfg.RetryAttempts
	fetchOpts.RetryBackoff = cfg.RetryBackoff

	broker := events.NewBroker()
	defer broker.Close()

	controller := downloader.NewController(
		fetch.NewInstrumentedClient(fetch.NewClient(fetchOpts), tel),
		broker,
		downloader.Options{
			ChunkSize:   int(cfg.ChunkSize),
			MaxParallel: cfg.MaxParallel,
			Verifier:    verifier,
			History:     history,
			Telemetry:   tel,
		},
	)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		sub := broker.Subscribe(events.DefaultBuffer)

		g.Go(func() error {
			defer sub.Close()

			notifier.Watch(gctx, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), sub)

			return nil
		})
	}

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(gctx, history, controller, cfg.KeepPartialFor, cfg.CleanupInterval)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, cfg, tel, controller, broker, catalog, history)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"max_parallel", cfg.MaxParallel,
		"chunk_size", cfg.ChunkSize.String(),
		"digest", verifier.Algorithm(),
		"keep_partial_for", cfg.KeepPartialFor.String(),
	)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and sessions a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := controller.Shutdown(shutdownCtx); err != nil {
			logger.Error("sessions did not finish in time", "err", err)
		}

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	controller *downloader.Controller,
	broker *events.Broker,
	catalog storage.CatalogRepository,
	history storage.DownloadReadRepository,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware, telemetry.RequestID, telemetry.HTTPLogging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rest.BasicAuth(cfg.API.Username, cfg.API.Password))

		r.Mount("/downloads", rest.NewDownloadsHandler(controller, catalog, history, cfg.TargetDir).Routes())
		r.Mount("/events", rest.NewEventsHandler(broker, tel).Routes())
		r.Mount("/catalog", rest.NewCatalogHandler(catalog, tel).Routes())
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
