// Package main is a sample AMPOS host: a small web application that refuses
// to serve until its license verifies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"amposlicense/internal/config"
	"amposlicense/internal/infrastructure"
	"amposlicense/internal/license"
	"amposlicense/internal/middleware"
)

func main() {
	configPath := flag.String("config", "", "config file (default $AMPOS_CONFIG or ./ampos.yaml)")
	addr := flag.String("addr", ":8090", "listen address")
	cacheTTL := flag.Duration("guard-cache", time.Minute, "how long a valid verification is reused")
	flag.Parse()

	if err := run(*configPath, *addr, *cacheTTL); err != nil {
		slog.Error("Protected host error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath, addr string, cacheTTL time.Duration) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFrom(configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFromTelemetry("ampos-host", cfg.Telemetry), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := license.NewMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	engine, err := license.New(cfg.Client, cfg.ResolveLicenseKey(""),
		license.WithLogger(logger), license.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to initialize license client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Verify once at startup so the log shows the outcome before traffic.
	if res := engine.Verify(ctx, false); !res.Valid() {
		logger.WarnContext(ctx, "License not valid at startup",
			slog.String("state", string(res.State)),
			slog.String("reason", res.Reason))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(engine, cfg, cacheTTL, logger, providers.PrometheusHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "Protected host listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}
	return srv.Shutdown(shutdownCtx)
}

func newRouter(v middleware.Verifier, cfg *config.Config, cacheTTL time.Duration, logger *slog.Logger, metrics http.Handler) http.Handler {
	guard := middleware.NewLicenseGuard(v, middleware.GuardConfig{
		Support:      cfg.Client.Support,
		CacheTTL:     cacheTTL,
		ExcludePaths: []string{"/healthz", "/metrics"},
		Logger:       logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(guard.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"message": "AMPOS is licensed and running"})
	})
	return r
}
