package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenthub/internal/api"
	"agenthub/internal/auth"
	"agenthub/internal/chat"
	"agenthub/internal/config"
	"agenthub/internal/db"
	"agenthub/internal/logging"
	"agenthub/internal/middleware"
	"agenthub/internal/pipeline"
	"agenthub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	godotenv.Load()
	logging.Init()
	defer logging.Sync()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		logging.L().Fatal("JWT_SECRET is required")
	}

	database, err := db.NewDatabase(&cfg.Database)
	if err != nil {
		logging.S().Fatalw("database initialization failed", "error", err)
	}
	defer database.Close()

	authService := auth.NewService(cfg.JWTSecret)
	authService.SetDB(database.DB)
	chatStore := store.New(database.DB)

	// Redis is optional: with it, events fan out across gateway nodes; without
	// it, the in-process hub serves a single node.
	var hub chat.Broadcaster
	if redisClient, err := db.NewRedisClient(&cfg.Redis); err == nil {
		defer redisClient.Close()
		hub, err = chat.NewRedisBroadcaster(redisClient.Client())
		if err != nil {
			logging.S().Fatalw("redis broadcaster initialization failed", "error", err)
		}
		logging.L().Info("using redis broadcaster")
	} else {
		logging.S().Infow("using in-process hub", "reason", err.Error())
		hub = chat.NewHub()
	}
	defer hub.Close()

	runner := pipeline.New(chatStore, hub, pipeline.Options{
		HistoryLimit:    cfg.HistoryLimit,
		ProviderTimeout: cfg.ProviderTimeout,
	})
	gateway := chat.NewGateway(authService, chatStore, hub, runner)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		if err := database.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/chat/:conversation_id", gateway.HandleWebSocket)

	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.RequireAuth(authService))
	api.NewHandlers(chatStore).Register(apiGroup)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.S().Infow("gateway listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.S().Fatalw("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.S().Errorw("forced shutdown", "error", err)
	}
}
