// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"storefront/internal/domain/session"
	"storefront/internal/infrastructure/http/v1/handlers"
	"storefront/internal/infrastructure/http/v1/middleware"
	"storefront/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// Sessions owns the live shopper sessions
	Sessions *session.Manager

	// Tokens issues and validates session tokens
	Tokens *session.TokenService

	// Database is probed by /health/ready; nil when durable state is in memory
	Database handlers.Database

	// Version is reported by /health/info
	Version string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.Database, cfg.Sessions, cfg.Version)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	v1 := router.Group("/api/v1")
	{
		baseHandler := handlers.NewBaseHandler()
		sessionHandler := handlers.NewSessionHandler(baseHandler, cfg.Sessions, cfg.Tokens)

		// Starting a session is the only public endpoint.
		v1.POST("/session", sessionHandler.Open)

		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.Tokens))         // 1. Validate session token
		protected.Use(middleware.LiveSession(cfg.Sessions)) // 2. Attach the live session

		protected.POST("/session/navigate", sessionHandler.Navigate)
		protected.DELETE("/session", sessionHandler.Close)

		registerLocationRoutes(protected, baseHandler)
		registerCartRoutes(protected, baseHandler)
	}

	return router
}

// registerLocationRoutes registers location endpoints.
func registerLocationRoutes(rg *gin.RouterGroup, base *handlers.BaseHandler) {
	handler := handlers.NewLocationHandler(base)

	rg.GET("/location", handler.Get)
	rg.PUT("/location", handler.Set)
}

// registerCartRoutes registers cart endpoints.
func registerCartRoutes(rg *gin.RouterGroup, base *handlers.BaseHandler) {
	handler := handlers.NewCartHandler(base)

	cart := rg.Group("/cart")
	{
		cart.GET("", handler.Get)
		cart.GET("/pending", handler.Pending)
		cart.POST("/flush", handler.Flush)
		cart.POST("/lines", handler.Add)
		cart.PUT("/lines/:productId", handler.SetQuantity)
		cart.DELETE("/lines/:productId", handler.Remove)
	}
}
