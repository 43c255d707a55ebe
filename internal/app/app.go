// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/booking-notifier/internal/config"
	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
	"github.com/bissquit/booking-notifier/internal/notifications/email"
	"github.com/bissquit/booking-notifier/internal/notifications/inapp"
	notificationspostgres "github.com/bissquit/booking-notifier/internal/notifications/postgres"
	"github.com/bissquit/booking-notifier/internal/notifications/push"
	notificationsredis "github.com/bissquit/booking-notifier/internal/notifications/redis"
	"github.com/bissquit/booking-notifier/internal/notifications/sms"
	"github.com/bissquit/booking-notifier/internal/notifications/whatsapp"
	"github.com/bissquit/booking-notifier/internal/pkg/ctxlog"
	"github.com/bissquit/booking-notifier/internal/pkg/httputil"
	"github.com/bissquit/booking-notifier/internal/pkg/metrics"
	"github.com/bissquit/booking-notifier/internal/pkg/postgres"
	pkgredis "github.com/bissquit/booking-notifier/internal/pkg/redis"
	"github.com/bissquit/booking-notifier/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	engine        *notifications.Engine
	ledger        *notifications.Ledger
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	worker        *notifications.Worker
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	rdb, err := pkgredis.Connect(context.Background(), pkgredis.Config{
		URL:             cfg.Redis.URL,
		ConnectAttempts: cfg.Redis.ConnectAttempts,
		ConnectTimeout:  cfg.Redis.ConnectTimeout,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		redis:         rdb,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	if err := app.setupEngine(metricsCtx); err != nil {
		app.closeStores()
		metricsCancel()
		return nil, fmt.Errorf("setup engine: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop deferred worker first so no item is left half-processed.
	if a.worker != nil {
		a.worker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.ledger != nil {
		if err := a.ledger.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush sms usage: %w", err))
		}
	}

	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	a.db.Close()
	if err := a.redis.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Engine returns the notification engine.
func (a *App) Engine() *notifications.Engine {
	return a.engine
}

func (a *App) setupEngine(ctx context.Context) error {
	cfg := a.config.Engine

	location, err := cfg.Location()
	if err != nil {
		return err
	}
	nonWorkingDays, err := cfg.Weekdays()
	if err != nil {
		return err
	}

	repo := notificationspostgres.NewRepository(a.db)
	clock := notifications.SystemClock()

	transports, err := a.buildTransports(repo)
	if err != nil {
		return err
	}

	unitCosts := make(map[domain.Channel]float64, len(cfg.UnitCosts))
	for name, cost := range cfg.UnitCosts {
		channel := domain.Channel(name)
		if !channel.IsValid() {
			return fmt.Errorf("unit cost for unknown channel %q", name)
		}
		unitCosts[channel] = cost
	}

	ledger := notifications.NewLedger(repo, clock)
	a.ledger = ledger
	dispatcher := notifications.NewDispatcher(
		notifications.DispatcherConfig{UnitCosts: unitCosts},
		notifications.NewTemplateResolver(),
		ledger,
		clock,
		transports...,
	)

	a.engine = notifications.NewEngine(notifications.EngineConfig{
		DefaultLocation:     location,
		NonWorkingDays:      nonWorkingDays,
		PreferenceCacheSize: cfg.PreferenceCacheSize,
		PreferenceCacheTTL:  cfg.PreferenceCacheTTL,
	}, notifications.EngineDeps{
		Store:      repo,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Deferred:   repo,
		Batches:    notificationsredis.NewBatchQueue(a.redis, a.config.Redis.BatchTTL),
		Analytics:  notifications.NewMetricsSink(),
		Clock:      clock,
	})

	slog.Info("notification engine configured",
		"transports", len(transports),
		"default_timezone", location.String(),
		"worker_enabled", a.config.Worker.Enabled,
	)

	if a.config.Worker.Enabled {
		a.worker = notifications.NewWorker(notifications.WorkerConfig{
			BatchSize:    a.config.Worker.BatchSize,
			PollInterval: a.config.Worker.PollInterval,
			NumWorkers:   a.config.Worker.NumWorkers,
		}, repo, a.engine)
		a.worker.Start(ctx)
	}

	return nil
}

func (a *App) buildTransports(inbox inapp.Inbox) ([]notifications.Transport, error) {
	transports := []notifications.Transport{inapp.NewSender(inbox)}

	if c := a.config.Push; c.Enabled {
		sender, err := push.NewSender(push.Config{
			Enabled:   c.Enabled,
			APIURL:    c.APIURL,
			APIKey:    c.APIKey,
			RateLimit: c.RateLimit,
			Timeout:   c.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create push sender: %w", err)
		}
		transports = append(transports, sender)
	} else {
		slog.Warn("push sender is disabled: push notifications will fail")
	}

	if c := a.config.SMS; c.Enabled {
		sender, err := sms.NewSender(sms.Config{
			Enabled:   c.Enabled,
			APIURL:    c.APIURL,
			APIKey:    c.APIKey,
			SenderID:  c.SenderID,
			RateLimit: c.RateLimit,
			Timeout:   c.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms sender: %w", err)
		}
		transports = append(transports, sender)
	} else {
		slog.Warn("sms sender is disabled: sms notifications will fail")
	}

	if c := a.config.WhatsApp; c.Enabled {
		sender, err := whatsapp.NewSender(whatsapp.Config{
			Enabled:       c.Enabled,
			APIURL:        c.APIURL,
			AccessToken:   c.AccessToken,
			PhoneNumberID: c.PhoneNumberID,
			RateLimit:     c.RateLimit,
			Timeout:       c.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create whatsapp sender: %w", err)
		}
		transports = append(transports, sender)
	} else {
		slog.Warn("whatsapp sender is disabled: whatsapp notifications will fail")
	}

	if c := a.config.Email; c.Enabled {
		sender, err := email.NewSender(email.Config{
			Enabled:      c.Enabled,
			SMTPHost:     c.SMTPHost,
			SMTPPort:     c.SMTPPort,
			SMTPUser:     c.SMTPUser,
			SMTPPassword: c.SMTPPassword,
			FromAddress:  c.FromAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		transports = append(transports, sender)
	} else {
		slog.Warn("email sender is disabled: email notifications will fail")
	}

	return transports, nil
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	notificationsHandler := notifications.NewHandler(a.engine)

	r.Route("/api/v1", func(r chi.Router) {
		notificationsHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "database", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if err := a.redis.Ping(ctx).Err(); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "redis", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
