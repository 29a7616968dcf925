// Package main is the entry point for the storefront API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/internal/domain/session"
	v1 "storefront/internal/infrastructure/http/v1"
	"storefront/internal/infrastructure/commerce"
	"storefront/pkg/logger"
)

const version = "0.1.0"

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Infow("starting storefront server", "version", version)

	// --- Durable storage ---
	durable, err := openDurable(ctx, getEnv("DATABASE_URL", ""), log)
	if err != nil {
		log.Fatalw("failed to open durable storage", "error", err)
	}
	defer durable.Close()

	// --- Commerce backend ---
	commerceCfg := commerce.DefaultConfig(mustEnv("COMMERCE_API_URL"))
	commerceCfg.APIKey = getEnv("COMMERCE_API_KEY", "")
	commerceCfg.Timeout = getEnvDuration("COMMERCE_TIMEOUT", commerceCfg.Timeout)
	client := commerce.NewClient(commerceCfg, log)

	// --- Sessions ---
	managerCfg := session.DefaultManagerConfig()
	managerCfg.IdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", managerCfg.IdleTimeout)
	managerCfg.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", managerCfg.SweepInterval)
	managerCfg.GeocodeTimeout = getEnvDuration("GEOCODE_TIMEOUT", managerCfg.GeocodeTimeout)
	managerCfg.FlushTimeout = getEnvDuration("CART_FLUSH_TIMEOUT", managerCfg.FlushTimeout)
	managerCfg.Cart.Debounce = getEnvDuration("CART_DEBOUNCE", managerCfg.Cart.Debounce)
	managerCfg.Cart.RequestTimeout = getEnvDuration("CART_REQUEST_TIMEOUT", managerCfg.Cart.RequestTimeout)
	managerCfg.Cart.PrefetchWait = getEnvDuration("PRICE_PREFETCH_WAIT", managerCfg.Cart.PrefetchWait)
	managerCfg.Cart.ErrorTTL = getEnvDuration("PRICE_ERROR_TTL", managerCfg.Cart.ErrorTTL)
	if n := getEnvInt("PRICE_CONCURRENCY", managerCfg.Cart.Concurrency); n > 0 {
		managerCfg.Cart.Concurrency = n
	}

	sessions := session.NewManager(session.Dependencies{
		Durable:  durable.Store,
		Cart:     client,
		Pricing:  client,
		Geocoder: client,
	}, managerCfg, log)
	client.OnDetectedLocation(sessions.RecordDetected)
	sessions.Start(ctx)

	log.Infow("session manager initialized",
		"idle_timeout", managerCfg.IdleTimeout,
		"debounce", managerCfg.Cart.Debounce,
		"durable", durable.Kind,
	)

	// --- Session tokens ---
	tokenCfg := session.DefaultTokenConfig(getEnv("JWT_SECRET", "your-secret-key-change-in-production"))
	tokenCfg.TTL = getEnvDuration("SESSION_TOKEN_TTL", tokenCfg.TTL)
	tokens := session.NewTokenService(tokenCfg)

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Logger:   log,
		Sessions: sessions,
		Tokens:   tokens,
		Database: durable.Database(),
		Version:  version,
	})

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	// Pending cart edits are flushed before the process exits.
	if err := sessions.Stop(shutdownCtx); err != nil {
		log.Errorw("some carts were not flushed", "error", err)
	}

	log.Info("server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
