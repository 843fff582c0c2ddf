// Dump Viewer - live browser UI for PHP var-dumper output.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/dump-viewer/internal/api"
	"github.com/ashureev/dump-viewer/internal/broadcast"
	"github.com/ashureev/dump-viewer/internal/classify"
	"github.com/ashureev/dump-viewer/internal/config"
	"github.com/ashureev/dump-viewer/internal/health"
	"github.com/ashureev/dump-viewer/internal/middleware"
	"github.com/ashureev/dump-viewer/internal/store"
	"github.com/ashureev/dump-viewer/internal/supervisor"
	"github.com/ashureev/dump-viewer/internal/viewer"
	"github.com/ashureev/dump-viewer/web"
)

func main() {
	port := flag.Int("port", 0, "web server port (overrides WEB_PORT)")
	dumpPort := flag.Int("dump-port", 0, "preferred dump server port (overrides DUMP_PORT)")
	noOpen := flag.Bool("no-open", false, "do not open the browser on start")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.WebPort = *port
	}
	if *dumpPort != 0 {
		cfg.DumpPort = *dumpPort
	}
	if *noOpen {
		cfg.AutoOpen = false
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid command line flags", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Dump viewer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Dump viewer stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (supervisor.Runtime, error) {
	if cfg.Runtime == config.RuntimeDocker {
		return supervisor.NewDockerRuntime(cfg.DockerImage, cfg.PHPVendorPath, logger)
	}
	return supervisor.NewExecRuntime(cfg.PHPBinary, cfg.ComposerBinary, cfg.PHPVendorPath, logger), nil
}

func newClassifier(categoryMode string, logger *slog.Logger) (*classify.Classifier, error) {
	mode, err := classify.ParseMode(categoryMode)
	if err != nil {
		return nil, fmt.Errorf("category mode: %w", err)
	}
	return classify.NewClassifier(mode, logger), nil
}

func newJournal(cfg config.JournalConfig, logger *slog.Logger) (store.Journal, error) {
	if !cfg.Enabled {
		return store.NopJournal{}, nil
	}
	j, err := store.NewSQLiteJournal(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := j.Ping(context.Background()); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("journal health check: %w", err)
	}
	return j, nil
}

//nolint:funlen // Startup wiring is sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting dump viewer",
		"web_port", cfg.WebPort,
		"dump_port", cfg.DumpPort,
		"runtime", cfg.Runtime,
		"category_mode", cfg.CategoryMode,
		"container", config.IsContainer(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := newJournal(cfg.Journal, logger)
	if err != nil {
		return fmt.Errorf("initialize journal: %w", err)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			logger.Error("Failed to close journal", "error", closeErr)
		}
	}()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize %s runtime: %w", cfg.Runtime, err)
	}
	if closer, ok := rt.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	sup := supervisor.New(rt, supervisor.Options{
		Host:            cfg.DumpHost,
		Port:            cfg.DumpPort,
		MaxPendingBytes: cfg.MaxPendingBytes,
	}, logger)

	hub := broadcast.NewBroadcaster(broadcast.Options{
		QueueSize:      cfg.WebSocket.QueueSize,
		RateLimit:      cfg.WebSocket.RateLimit,
		RateBurst:      cfg.WebSocket.RateBurst,
		AllowedOrigins: cfg.CORSOrigins,
	}, logger)

	classifier, err := newClassifier(cfg.CategoryMode, logger)
	if err != nil {
		return err
	}
	v := viewer.New(sup, hub, classifier, store.NewRing(cfg.MaxDumps), journal,
		viewer.Options{WebPort: cfg.WebPort, DumpRetention: cfg.DumpRetention}, logger)

	var healthSrv *health.Server
	if cfg.HealthGRPCPort != 0 {
		healthSrv = health.New(logger)
		v.SetHealth(healthSrv)
		go func() {
			if err := healthSrv.ListenAndServe(net.JoinHostPort("", strconv.Itoa(cfg.HealthGRPCPort))); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// The event loop must be consuming before the supervisor emits.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = v.Run(loopCtx)
	}()
	go hub.Run(loopCtx)

	shutdownPipeline := func() {
		if err := sup.Close(); err != nil {
			logger.Warn("Dump server did not stop cleanly", "error", err)
		}
		hub.Close()
		stopLoop()
		<-loopDone
		if healthSrv != nil {
			healthSrv.Stop()
		}
	}

	if err := sup.Start(ctx); err != nil {
		shutdownPipeline()
		return fmt.Errorf("start dump server: %w", err)
	}
	sup.StartHealthMonitor(ctx)

	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.WebPort),
		Handler:     newRouter(cfg, api.NewHandler(v, logger), hub),
		ReadTimeout: 30 * time.Second,
		// WebSocket sessions are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	url := fmt.Sprintf("http://localhost:%d", cfg.WebPort)
	if cfg.AutoOpen {
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := openBrowser(url); err != nil {
				logger.Debug("Could not open browser", "url", url, "error", err)
			}
		}()
	}
	logger.Info("Dump viewer ready", "url", url, "dump_port", sup.Port())

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	shutdownPipeline()

	return runErr
}

func newRouter(cfg *config.Config, h *api.Handler, hub *broadcast.Broadcaster) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	h.RegisterRoutes(r)
	r.Get("/ws", hub.ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	return r
}
