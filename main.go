package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/handlers"
	"inspec-ai-pipeline/internal/pkg/logger"
	"inspec-ai-pipeline/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Pretty:     !cfg.IsProduction(),
	})

	log.Info("Starting inspec-ai-pipeline",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port)

	sessionService, err := services.NewSessionService(cfg.Redis, cfg.Stream.BusyGateTTL, log)
	if err != nil {
		log.WithError(err).Error("Failed to connect to Redis")
		os.Exit(1)
	}
	defer sessionService.Close()

	reasoningService := services.NewReasoningService(cfg.Reasoning, log)
	catalogService := services.NewCatalogService(cfg.Catalog, log)
	priceService := services.NewPriceService(cfg.Price, log)

	streamer := services.NewStreamer(sessionService, cfg.Stream, log)
	rankingService := services.NewRankingService(catalogService, priceService, log)

	orchestrator := services.NewOrchestrator(
		sessionService,
		reasoningService,
		streamer,
		rankingService,
		*cfg,
		log,
	)

	router := setupRouter(cfg, orchestrator, sessionService, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}

	if err := orchestrator.Close(); err != nil {
		log.WithError(err).Error("Orchestrator shutdown failed")
	}

	log.Info("Shutdown complete")
}

func setupRouter(cfg *config.Config, orchestrator *services.Orchestrator, sessionService *services.SessionService, log *logger.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	chatHandler := handlers.NewChatHandler(orchestrator, log)
	streamHandler := handlers.NewStreamHandler(sessionService, log)

	router.GET("/health", chatHandler.Health)
	router.GET("/stats", chatHandler.Stats)

	api := router.Group("/api/v1")
	{
		api.POST("/chat", chatHandler.SendMessage)
		api.POST("/feedback", chatHandler.SubmitFeedback)

		sessions := api.Group("/sessions")
		{
			sessions.GET("/:id/messages", chatHandler.GetMessages)
			sessions.GET("/:id/results", chatHandler.GetResults)
			sessions.GET("/:id/updates", streamHandler.StreamUpdates)
			sessions.POST("/:id/reset", chatHandler.ResetSearch)
			sessions.DELETE("/:id", chatHandler.DeleteSession)
		}
	}

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		log.Debug("request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(startTime).Milliseconds())
	}
}
