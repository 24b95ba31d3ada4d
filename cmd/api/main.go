package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/internal/api/routes"
	"github.com/gocomet/ride-dispatch/internal/config"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/dispatch"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/session"
	"github.com/gocomet/ride-dispatch/internal/storage/memory"
	"github.com/gocomet/ride-dispatch/internal/storage/postgres"
	"github.com/gocomet/ride-dispatch/internal/zone"
	"github.com/gocomet/ride-dispatch/pkg/cache"
	"github.com/gocomet/ride-dispatch/pkg/database"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ride dispatch service",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("store", cfg.Store.Driver),
	)

	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp, _ = monitoring.New(monitoring.Config{})
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Zone mirror; optional so local runs work without Redis
	var mirror zone.Mirror
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(cache.Config{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			PoolSize:    cfg.Redis.PoolSize,
			MinIdleConn: cfg.Redis.MinIdleConn,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer cache.Close(redisClient)
		mirror = zone.NewRedisMirror(redisClient)
		appLogger.Info("Connected to Redis successfully")
	}

	var repo ride.Repository
	switch cfg.Store.Driver {
	case "postgres":
		db, err := database.NewPostgresDB(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MaxIdle:  cfg.Database.MaxIdle,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := database.Migrate(migrateCtx, db); err != nil {
			cancel()
			appLogger.Fatal("Failed to run migrations", logger.Err(err))
		}
		cancel()

		repo = postgres.NewRideStore(db)
		appLogger.Info("Connected to PostgreSQL successfully")
	case "memory":
		repo = memory.NewRideStore()
		appLogger.Warn("Using in-memory ride store, state will not survive restart")
	}

	sessions := session.NewRegistry(appLogger)
	directory := zone.NewDirectory(cfg.Zone.GeohashPrecision, mirror, appLogger)

	if mirror != nil {
		rebuildCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := directory.Rebuild(rebuildCtx); err != nil {
			appLogger.Warn("Zone directory rebuild failed, starting empty", logger.Err(err))
		}
		cancel()
	}

	estimator := pricing.NewEstimator(pricing.Config{
		BaseFare:   vehicleRates(cfg.Pricing.BaseFare),
		PricePerKm: vehicleRates(cfg.Pricing.PricePerKm),
	})

	engine := dispatch.NewEngine(repo, directory, sessions, estimator, nrApp, appLogger, dispatch.Config{
		AcceptWindow:     cfg.Dispatch.AcceptWindow,
		GeohashPrecision: cfg.Zone.GeohashPrecision,
	})
	defer engine.Stop()

	manager := lifecycle.NewManager(repo, sessions, estimator, nrApp, appLogger)

	// Janitor: force silent drivers off duty
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Zone.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				directory.ExpireSilent(sweepCtx, cfg.Zone.OfflineAfter)
				cancel()
			case <-sweepDone:
				return
			}
		}
	}()
	defer close(sweepDone)

	wsHandler := handlers.NewWebSocketHandler(sessions, directory, engine, manager, handlers.WebSocketConfig{
		ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
		JWTSecret:        cfg.JWT.Secret,
		GeohashPrecision: cfg.Zone.GeohashPrecision,
	}, appLogger)
	rideHandler := handlers.NewRideHandler(repo, cfg.JWT.Secret, appLogger)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	routes.SetupRoutes(router, wsHandler, rideHandler, nrApp)

	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}

	appLogger.Info("Server stopped gracefully")
}

func vehicleRates(in map[string]float64) map[driver.VehicleType]float64 {
	out := make(map[driver.VehicleType]float64, len(in))
	for k, v := range in {
		out[driver.VehicleType(k)] = v
	}
	return out
}
