package app

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
	"github.com/go-chi/render"

	"amposlicense/internal/config"
	apierrors "amposlicense/internal/errors"
	"amposlicense/internal/infrastructure"
	customMiddleware "amposlicense/internal/middleware"
	"amposlicense/internal/notify"
	"amposlicense/internal/portal"
	handlers "amposlicense/internal/transport/http"
	ws "amposlicense/internal/websocket"
)

// ServiceName identifies the portal in telemetry
const ServiceName = "ampos-license-portal"

// Application is the licensing portal: database, services, router and
// HTTP server wired together.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         *portal.Store
	WebSocketHub  *ws.Hub
	Logger        *slog.Logger
	Services      *ServiceContainer
	OTelProviders *infrastructure.OTelProviders
	ErrorHandler  *apierrors.ErrorHandler
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	CheckIn   *portal.CheckInService
	Incidents *portal.IncidentService
	Admin     *portal.AdminService
	Notifier  notify.Notifier
	Mirror    *portal.SheetsMirror
}

// NewApplication creates the portal. A nil cfg is loaded from the default
// file and environment; a nil logger is built from cfg.Logging.
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if logger == nil {
		var err error
		if logger, err = infrastructure.InitializeLogger(cfg.Logging); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	logger.Info("Application starting",
		slog.String("service", ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("db_path", cfg.Portal.DBPath))

	otelProviders, err := infrastructure.InitializeOTel(
		infrastructure.OTelConfigFromTelemetry(ServiceName, cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		ErrorHandler:  apierrors.NewErrorHandler(logger, false),
	}

	if err := app.initializeServices(context.Background()); err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.setupRouter(); err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to setup router: %w", err)
	}
	app.createServer()
	return app, nil
}

// initializeServices opens the database and builds the portal services
func (a *Application) initializeServices(ctx context.Context) error {
	store, err := portal.Open(a.Config.Portal.DBPath)
	if err != nil {
		return err
	}
	a.Store = store

	metrics, err := portal.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create portal metrics: %w", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: a.Logger}
	if a.Config.SMTP.Host != "" {
		smtpNotifier, err := notify.NewSMTPNotifier(a.Config.SMTP, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to configure smtp: %w", err)
		}
		notifier = smtpNotifier
	} else {
		a.Logger.Warn("SMTP host not configured, security notices will only be logged")
	}

	hub := ws.NewHub(a.Logger)
	hub.Start()
	a.WebSocketHub = hub

	incidents := portal.NewIncidentService(store, notifier, portal.IncidentConfig{
		AdminEmail:   a.Config.Portal.AdminEmail,
		SupportEmail: a.Config.Portal.SupportEmail,
	}, a.Logger, metrics)
	incidents.SetPublisher(hub)

	mirror, err := portal.NewSheetsMirror(ctx, a.Config.Sheets, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create sheets mirror: %w", err)
	}
	if mirror != nil {
		incidents.SetMirror(mirror)
	}

	a.Services = &ServiceContainer{
		CheckIn:   portal.NewCheckInService(store, a.Logger, metrics),
		Incidents: incidents,
		Admin:     portal.NewAdminService(store, a.Config.Portal.KeyPrefix, a.Logger),
		Notifier:  notifier,
		Mirror:    mirror,
	}
	return nil
}

// setupRouter configures the HTTP router with all routes.
// Middleware order: RequestID, RealIP, OTel, Logger, Recoverer.
func (a *Application) setupRouter() error {
	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTel(a.OTelProviders.Tracer, a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	r.Use(otelMiddleware.Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.ErrorHandler))
	r.Use(customMiddleware.SecurityHeaders)

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	health := handlers.NewHealthHandler(a.Store, a.WebSocketHub)
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	r.Handle("/metrics", handlers.MetricsHandler(a.OTelProviders.PrometheusHTTP))

	binder := customMiddleware.NewBinder()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/version", health.Version)

		// Public client endpoints
		r.Group(func(r chi.Router) {
			if rl := a.Config.Portal.RateLimit; rl.Enabled {
				r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger).Handler)
			}
			licenses := handlers.NewLicenseHandler(a.Services.CheckIn, binder,
				a.Config.Portal.RequireSignature, a.Logger)
			r.Mount("/licenses", licenses.Routes())

			alerts := handlers.NewSecurityHandler(a.Services.Incidents, binder,
				a.Config.Portal.RequireSignature, a.Logger)
			r.With(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Portal.AllowedOrigins,
				AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			})).Handle("/security/alerts", alerts)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(customMiddleware.AdminAuth([]byte(a.Config.Portal.JWTSecret), a.Logger))
			r.Get("/ws", a.WebSocketHub.ServeWS)
			r.Mount("/", handlers.NewAdminHandler(a.Services.Admin, binder, a.Logger).Routes())
		})
	})

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Portal.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Portal.ReadTimeout,
		WriteTimeout: a.Config.Portal.WriteTimeout,
		IdleTimeout:  a.Config.Portal.IdleTimeout,
	}
}

// Start begins serving on the configured address. Listener failures after
// startup call cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln, cancel)
}

// Serve serves on ln in the background
func (a *Application) Serve(ctx context.Context, ln net.Listener, cancel context.CancelFunc) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()
	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", ln.Addr().String()),
		slog.Bool("admin_api", a.Config.Portal.JWTSecret != ""),
		slog.Bool("require_signature", a.Config.Portal.RequireSignature),
		slog.Bool("sheets_mirror", a.Services.Mirror != nil))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Portal.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}
	a.WebSocketHub.Stop()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", err))
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		a.closeStore()
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
	}
	return a.Stop(context.Background())
}

func (a *Application) closeStore() {
	if a.WebSocketHub != nil {
		a.WebSocketHub.Stop()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
