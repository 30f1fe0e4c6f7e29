package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"task-reminder/internal/handlers"
	"task-reminder/internal/middleware"
	"task-reminder/internal/monitoring"
)

type RouterDeps struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	Tokens         middleware.TokenParser
	Users          middleware.UserLoader
	Auth           *handlers.AuthHandler
	Tasks          *handlers.TaskHandler
	UserHandler    *handlers.UserHandler
	Metrics        *monitoring.Metrics
	Health         *monitoring.HealthChecker
	RateLimiter    *middleware.RateLimiter
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RecoveryWithLog(deps.Logger),
		middleware.RequestLogger(deps.Logger),
		monitoring.MetricsMiddleware(deps.Metrics),
		cors.New(corsConfig(deps.AllowedOrigins)),
	)

	r.GET("/health", deps.Health.HealthHandler())
	r.GET("/health/live", deps.Health.LivenessHandler())
	r.GET("/health/ready", deps.Health.ReadinessHandler())
	if deps.Metrics != nil {
		r.GET("/metrics", monitoring.MetricsHandler(deps.Metrics))
	}

	api := r.Group("/api")
	if deps.RateLimiter != nil {
		api.Use(deps.RateLimiter.Middleware())
	}

	auth := api.Group("/auth")
	{
		auth.POST("/register", deps.Auth.Register)
		auth.POST("/login", deps.Auth.Login)
	}

	protected := api.Group("", middleware.Authenticate(deps.Tokens, deps.Users, deps.Logger))

	tasks := protected.Group("/tasks")
	{
		tasks.GET("", deps.Tasks.GetTasks)
		tasks.GET("/:id", deps.Tasks.GetTask)
		tasks.POST("", deps.Tasks.CreateTask)
		tasks.PUT("/:id", deps.Tasks.UpdateTask)
		tasks.POST("/:id/status", deps.Tasks.UpdateTaskStatus)
		tasks.DELETE("/:id", deps.Tasks.DeleteTask)
	}

	users := protected.Group("/users")
	{
		users.GET("", deps.UserHandler.GetUsers)
		users.GET("/managed", deps.UserHandler.GetManagedUsers)
		users.GET("/profile", deps.UserHandler.GetUserProfile)
		users.PUT("/profile", deps.UserHandler.UpdateUserProfile)
		users.PUT("/:id/role", deps.UserHandler.ChangeRole)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
