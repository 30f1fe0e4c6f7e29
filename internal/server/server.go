// Package server wires configuration, storage, services and the reminder
// scheduler into a runnable HTTP application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"task-reminder/internal/cache"
	"task-reminder/internal/config"
	"task-reminder/internal/database"
	"task-reminder/internal/handlers"
	"task-reminder/internal/middleware"
	"task-reminder/internal/monitoring"
	"task-reminder/internal/notify"
	"task-reminder/internal/repositories"
	"task-reminder/internal/services"
	"task-reminder/internal/worker"
)

type App struct {
	config      *config.Config
	logger      zerolog.Logger
	pool        *database.DatabasePool
	cache       *cache.RedisCache
	scheduler   *worker.ReminderScheduler
	rateLimiter *middleware.RateLimiter
	router      *gin.Engine
	httpServer  *http.Server
	closeOnce   sync.Once
}

func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	pool, err := database.NewDatabasePool(database.PoolConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Migrate(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	app := &App{config: cfg, logger: logger, pool: pool}

	metrics := monitoring.NewMetrics()
	health := monitoring.NewHealthChecker()
	health.Register("database", pool.HealthContext)

	if cfg.Redis.Enabled {
		app.cache = cache.NewRedisCache(cache.CacheConfigFrom(cfg))
		health.Register("redis", app.cache.Health)
		if err := app.cache.Health(context.Background()); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.GetRedisAddr()).Msg("redis not reachable, reminder lease disabled until it recovers")
		}
	}

	dispatcher, err := notify.New(cfg.SMTP, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	verifyTimeout := cfg.SMTP.Timeout
	if verifyTimeout <= 0 {
		verifyTimeout = 15 * time.Second
	}
	verifyCtx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	if err := dispatcher.Verify(verifyCtx); err != nil {
		logger.Error().Err(err).Str("addr", cfg.GetSMTPAddr()).Msg("SMTP verification failed")
	}
	cancel()

	taskRepo := repositories.NewTaskRepository(pool.DB)
	userRepo := repositories.NewUserRepository(pool.DB)
	auditRepo := repositories.NewAuditRepository(pool.DB)

	authorizer := services.NewAuthorizationService(auditRepo, logger)
	authService := services.NewAuthService(userRepo, cfg.Auth, logger)
	taskService := services.NewTaskService(taskRepo, userRepo, authorizer, logger)
	userService := services.NewUserService(userRepo, authorizer, logger)

	created, err := authService.EnsureAdmin(context.Background(),
		cfg.Auth.BootstrapAdminName, cfg.Auth.BootstrapAdminEmail, cfg.Auth.BootstrapAdminPassword)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	if created {
		logger.Info().Str("email", cfg.Auth.BootstrapAdminEmail).Msg("created bootstrap admin")
	}

	opts := []worker.Option{worker.WithMetrics(metrics)}
	if app.cache != nil {
		opts = append(opts, worker.WithLocker(app.cache))
	}
	app.scheduler = worker.NewReminderScheduler(
		worker.SchedulerConfigFrom(cfg.Reminder),
		taskRepo, userRepo, dispatcher, logger, opts...,
	)

	if cfg.RateLimit.Enabled {
		app.rateLimiter = middleware.NewRateLimiter(cfg.RateLimit, metrics)
	}

	app.router = NewRouter(RouterDeps{
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Tokens:         authService,
		Users:          userRepo,
		Auth:           handlers.NewAuthHandler(authService, logger),
		Tasks:          handlers.NewTaskHandler(taskService, logger),
		UserHandler:    handlers.NewUserHandler(userService, logger),
		Metrics:        metrics,
		Health:         health,
		RateLimiter:    app.rateLimiter,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

func (a *App) Handler() http.Handler {
	return a.router
}

func (a *App) Scheduler() *worker.ReminderScheduler {
	return a.scheduler
}

// Run serves HTTP and runs the scheduler until ctx is cancelled, then shuts
// both down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if a.config.Reminder.Enabled {
		a.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.httpServer.Addr).Msg("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	a.scheduler.Stop()

	if serveErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serveErr)
	}
	return nil
}

// Close releases every resource the application opened. It is safe to call
// more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		if a.rateLimiter != nil {
			a.rateLimiter.Stop()
		}
		if a.cache != nil {
			if err := a.cache.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close redis client")
			}
		}
		if err := a.pool.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close database pool")
		}
	})
}
