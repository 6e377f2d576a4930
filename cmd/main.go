package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"forgebuild/internal/ai"
	"forgebuild/internal/config"
	"forgebuild/internal/handlers"
	"forgebuild/internal/logging"
	"forgebuild/internal/metrics"
	"forgebuild/internal/middleware"
	"forgebuild/internal/report"
	"forgebuild/internal/sandbox"
	"forgebuild/internal/websocket"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			// Environment variables alone are fine.
		}
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L().Named("main")

	cfg := config.Load()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := ai.NewRegistry(nil)
	for name, size := range registry.PoolSizes() {
		if size > 0 {
			log.Info("provider configured", zap.String("provider", name), zap.Int("keys", size))
		}
	}

	store, err := report.Open(cfg)
	if err != nil {
		log.Fatal("report store", zap.Error(err))
	}
	defer store.Close()

	runner := sandbox.NewRunner(cfg)
	defer runner.Close()

	hub := websocket.NewHub()
	go hub.Run()

	buildHandler := handlers.NewBuildHandler(
		store,
		handlers.DefaultLauncher(registry, runner, cfg),
		hub.Publish,
	)
	systemHandler := handlers.NewSystemHandler(registry, runner.Strategy(), version)

	limiter := middleware.NewIPRateLimiter(300, 30)
	defer limiter.Close()

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Recovery(),
		metrics.PrometheusMiddleware(),
	)

	router.GET("/health", systemHandler.Health)
	router.GET("/metrics", metrics.PrometheusHandler())

	api := router.Group("/api/v1", limiter.Middleware())
	{
		api.POST("/builds", buildHandler.Create)
		api.GET("/builds", buildHandler.List)
		api.GET("/builds/:id", buildHandler.Get)
		api.GET("/builds/:id/events", hub.HandleWebSocket)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("port", cfg.Port), zap.String("sandbox", runner.Strategy()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		log.Fatal("server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	hub.Shutdown()
}
