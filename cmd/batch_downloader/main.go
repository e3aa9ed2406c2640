package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/batch_downloader/internal/cleanup"
	"github.com/italolelis/batch_downloader/internal/config"
	"github.com/italolelis/batch_downloader/internal/engine"
	"github.com/italolelis/batch_downloader/internal/engine/httpengine"
	"github.com/italolelis/batch_downloader/internal/http/rest"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/notifier"
	"github.com/italolelis/batch_downloader/internal/progress"
	"github.com/italolelis/batch_downloader/internal/scheduler"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/storage/sqlite"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/transfer"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type options struct {
	urls       []string
	redownload bool
	noResume   bool
	serve      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "batch_downloader [links-file...]",
		Short:        "Download batches of files in parallel with pause, resume and restart support",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				slog.Error("config error", "err", err)

				return err
			}

			logger := slog.New(logctx.NewTraceHandler(
				slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
			))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("batch downloader starting...", "log_level", cfg.LogLevel)

			if err := run(logctx.WithLogger(ctx, logger), cfg, args, opts); err != nil {
				logger.Error("fatal error", "err", err)

				return err
			}

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.urls, "url", nil, "URL to download (repeatable)")
	cmd.Flags().BoolVar(&opts.redownload, "redownload", false, "download files that already exist in the download directory again")
	cmd.Flags().BoolVar(&opts.noResume, "no-resume", false, "do not resubmit transfers saved by a previous run")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "keep running and serve the control API")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, linkFiles []string, opts options) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Load State
	store, closeStore := openStore(ctx, cfg, tel)
	defer closeStore()

	state := loadState(ctx, store, tel)
	settings := mergeSettings(cfg, state)

	if err := os.MkdirAll(settings.DownloadPath, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	// =========================================================================
	// Start Scheduler
	agg := progress.NewAggregator()

	observers := []scheduler.Observer{scheduler.LogObserver{Logger: logger}, tel}
	if cfg.DiscordWebhookURL != "" {
		observers = append(observers, notifier.NewStatusNotifier(ctx, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}, agg))
	}

	eng := engine.NewInstrumentedEngine(httpengine.New(httpengine.Config{
		ProgressInterval: cfg.ProgressInterval,
	}), tel, "http")

	sched := scheduler.New(context.WithoutCancel(ctx), eng, agg, scheduler.Options{
		Capacity:      settings.MaxConcurrent,
		Segments:      cfg.Segments,
		Retries:       cfg.Retries,
		ResumeRetries: cfg.ResumeRetries,
		StopTimeout:   cfg.StopTimeout,
		Headers:       settings.Headers,
		Observer:      scheduler.Observers(observers...),
	})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StopTimeout+5*time.Second)
		defer cancel()

		if err := sched.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop transfers", "err", err)
		}

		settings.MaxConcurrent = sched.Capacity()
		settings.Headers = sched.Headers()
		settings.Transfers = sched.Records()

		saveState(shutdownCtx, store, settings, tel)
	}()

	restored := sched.Restore(ctx, settings.DownloadPath, state.Transfers)

	// =========================================================================
	// Submit Downloads
	var requests []transfer.Request
	if !opts.noResume {
		requests = append(requests, restored...)
	}

	links, err := collectLinks(linkFiles, opts.urls)
	if err != nil {
		return err
	}

	for _, link := range links {
		dest, err := transfer.DestinationFor(settings.DownloadPath, link)
		if err != nil {
			logger.Warn("skipped link", "url", link, "err", err)

			continue
		}

		requests = append(requests, transfer.Request{URL: link, Destination: dest})
	}

	submitted := submitAll(ctx, sched, requests, opts.redownload)

	logger.Info("waiting for downloads...",
		"download_path", settings.DownloadPath,
		"max_concurrent", settings.MaxConcurrent,
		"submitted", submitted,
		"theme", settings.Theme,
	)

	// =========================================================================
	// Start Status Summary and Cleanup
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go summarize(bgCtx, sched, settings.DownloadPath, cfg.SummaryInterval)
	go cleanup.Run(bgCtx, sched, cfg.CleanupInterval, cfg.KeepFinishedFor)

	if !opts.serve {
		if err := sched.Wait(ctx); err != nil {
			logger.Info("start shutdown")

			return nil
		}

		logSummary(ctx, sched, settings.DownloadPath)

		return nil
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, sched, settings.DownloadPath, cfg, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// openStore opens the state database. Without one, state lives in memory only.
func openStore(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (storage.Store, func()) {
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		tel.RecordSystemError("storage", "open_failed")
		logctx.LoggerFromContext(ctx).Warn("state database unavailable, progress will not be saved",
			"db_path", cfg.DBPath,
			"err", &storage.PersistenceError{Op: "load", Err: err},
		)

		return nil, func() {}
	}

	return sqlite.NewInstrumentedStateRepository(database, tel), func() { database.Close() }
}

func loadState(ctx context.Context, store storage.Store, tel *telemetry.Telemetry) storage.State {
	if store == nil {
		return storage.DefaultState()
	}

	state, err := store.Load(ctx)
	if err != nil {
		tel.RecordSystemError("storage", "load_failed")
		logctx.LoggerFromContext(ctx).Warn("failed to load saved state, using defaults", "err", err)

		return storage.DefaultState()
	}

	return state
}

func saveState(ctx context.Context, store storage.Store, state storage.State, tel *telemetry.Telemetry) {
	if store == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	if err := store.Save(ctx, state); err != nil {
		tel.RecordSystemError("storage", "save_failed")
		logger.Warn("failed to save state", "err", err)

		return
	}

	logger.Info("state saved", "transfers", len(state.Transfers))
}

// mergeSettings applies the environment over the saved state over the defaults.
func mergeSettings(cfg *config.Config, state storage.State) storage.State {
	settings := state
	settings.Headers = transfer.MergeHeaders(state.Headers, cfg.Headers())

	if cfg.DownloadDir != "" {
		settings.DownloadPath = cfg.DownloadDir
	}

	if settings.DownloadPath == "" {
		settings.DownloadPath = "."
	}

	if abs, err := filepath.Abs(settings.DownloadPath); err == nil {
		settings.DownloadPath = abs
	}

	if cfg.MaxConcurrent > 0 {
		settings.MaxConcurrent = cfg.MaxConcurrent
	}

	if settings.MaxConcurrent < 1 {
		settings.MaxConcurrent = storage.DefaultMaxConcurrent
	}

	if cfg.Theme != "" {
		if theme, err := storage.ParseTheme(cfg.Theme); err == nil {
			settings.Theme = theme
		} else {
			slog.Warn("ignored theme", "err", err)
		}
	}

	if settings.Theme == "" {
		settings.Theme = storage.ThemeLight
	}

	return settings
}

func collectLinks(files, urls []string) ([]string, error) {
	var links []string

	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open links file: %w", err)
		}

		fileLinks, err := transfer.ParseLinks(f)
		f.Close()

		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		links = append(links, fileLinks...)
	}

	return append(links, urls...), nil
}

// submitAll submits every request, skipping files already on disk unless redownload
// is set. It returns how many were accepted.
func submitAll(ctx context.Context, sched *scheduler.Scheduler, requests []transfer.Request, redownload bool) int {
	logger := logctx.LoggerFromContext(ctx)
	submitted := 0

	for _, req := range requests {
		if !redownload {
			if _, err := os.Stat(req.Destination); err == nil {
				logger.Info("file already exists, skipping", "url", req.URL, "destination", req.Destination)

				continue
			}
		}

		if _, err := sched.Submit(ctx, req); err != nil {
			if !transfer.IsDuplicate(err) {
				logger.Error("failed to submit download", "url", req.URL, "err", err)
			}

			continue
		}

		submitted++
	}

	return submitted
}

func summarize(ctx context.Context, sched *scheduler.Scheduler, downloadPath string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logSummary(ctx, sched, downloadPath)
		}
	}
}

func logSummary(ctx context.Context, sched *scheduler.Scheduler, downloadPath string) {
	active, queued := sched.Counts()
	snapshots := sched.Snapshot()

	var speed float64

	counts := make(map[string]int)

	for _, s := range snapshots {
		speed += s.Speed
		counts[s.Status.String()]++
	}

	logctx.LoggerFromContext(ctx).Info("download status",
		"download_path", downloadPath,
		"active", active,
		"queued", queued,
		"total", len(snapshots),
		"completed", counts[transfer.StatusCompleted.String()],
		"failed", counts[transfer.StatusFailed.String()],
		"speed", humanize.Bytes(uint64(speed))+"/s",
	)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, sched *scheduler.Scheduler, downloadPath string, cfg *config.Config, tel *telemetry.Telemetry) *http.Server {
	handler := rest.NewDownloadsHandler(cfg.Web.Username, cfg.Web.Password, sched, downloadPath, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "batch_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
