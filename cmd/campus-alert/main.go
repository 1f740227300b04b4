package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/campusmesh/go-campus-alerts/internal/alert"
	"github.com/campusmesh/go-campus-alerts/internal/api"
	"github.com/campusmesh/go-campus-alerts/internal/broadcast"
	"github.com/campusmesh/go-campus-alerts/internal/config"
	"github.com/campusmesh/go-campus-alerts/internal/detector"
	"github.com/campusmesh/go-campus-alerts/internal/gateway"
	"github.com/campusmesh/go-campus-alerts/internal/keyvault"
	"github.com/campusmesh/go-campus-alerts/internal/logging"
	"github.com/campusmesh/go-campus-alerts/internal/meshsync"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, "campus-alert")

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	store, err := repository.NewSQLiteStore(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := broadcast.NewHub(cfg.Broadcast.BufferSize)
	vault := keyvault.NewVault(store, cfg.Mesh.KeyGracePeriod)
	registry := gateway.NewRegistry(store)
	pipeline := alert.NewPipeline(store, hub)
	engine := meshsync.NewEngine(store, vault, hub, cfg.Mesh.SyncBatchLimit)

	// Hazard detector feeds device-sourced triggers through the pipeline.
	mgr := detector.NewManager(cfg, pipeline)
	mgr.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(50, 100))

	auth := api.NewTokenAuth(cfg.Auth.JWTSecret)
	handler := api.NewHandler(pipeline, vault, engine, registry, store, store, hub, cfg.Broadcast.SendTimeout)
	handler.RegisterRoutes(router, auth)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	mgr.Stop()
	hub.Close() // Close all live connections gracefully

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
