// Nexum server - durable workflow orchestration control plane.
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

	"github.com/kuro6061/nexum/internal/application/auth"
	"github.com/kuro6061/nexum/internal/application/importer"
	"github.com/kuro6061/nexum/internal/application/observer"
	"github.com/kuro6061/nexum/internal/application/trigger"
	"github.com/kuro6061/nexum/internal/config"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/engine"
	"github.com/kuro6061/nexum/internal/infrastructure/api/rest"
	"github.com/kuro6061/nexum/internal/infrastructure/blob"
	"github.com/kuro6061/nexum/internal/infrastructure/cache"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
	"github.com/kuro6061/nexum/internal/infrastructure/storage"
	"github.com/kuro6061/nexum/internal/infrastructure/tracing"
	"github.com/kuro6061/nexum/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.Logging)
	appLogger.Info("starting nexum server", "port", cfg.Server.Port)

	dbConfig := &storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
		Debug:           cfg.Database.Debug,
	}
	db, err := storage.NewDB(dbConfig)
	if err != nil {
		appLogger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer storage.Close(db)
	appLogger.Info("database connected", "max_conns", cfg.Database.MaxConnections)

	var redisCache *cache.RedisCache
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.Redis)
		if err != nil {
			appLogger.Warn("redis cache unavailable, continuing without it", "error", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
			appLogger.Info("redis cache connected")
		}
	}

	blobStore, err := blob.NewStore(cfg.Engine.BlobStoragePath)
	if err != nil {
		appLogger.Error("failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	store := &repository.Store{
		Workflows:  storage.NewWorkflowVersionRepository(db),
		Executions: storage.NewExecutionRepository(db),
		Events:     storage.NewEventRepository(db),
		Tasks:      storage.NewTaskRepository(db),
		MapResults: storage.NewMapResultRepository(db),
	}
	appLogger.Info("repositories initialized")

	registry := engine.NewRegistry(store.Workflows)
	if n, err := registry.Rehydrate(context.Background()); err != nil {
		appLogger.Error("failed to rehydrate workflow registry", "error", err)
		os.Exit(1)
	} else {
		appLogger.Info("workflow registry rehydrated", "version_count", n)
	}

	seeder := importer.NewSeeder(registry, appLogger)
	if n, err := seeder.LoadFile(context.Background(), cfg.Engine.WorkflowSeedPath); err != nil {
		appLogger.Error("failed to load workflow seed file", "error", err)
		os.Exit(1)
	} else if n > 0 {
		appLogger.Info("workflow seed file applied", "workflow_count", n)
	}

	scheduler := engine.NewScheduler(registry, store, appLogger)
	dispatcher := engine.NewDispatcher(registry, store, blobStore, scheduler, cfg.Engine.ClaimCheckThreshold, appLogger)
	coordinator := engine.NewCoordinator(registry, store, blobStore, scheduler, cfg.Engine.ClaimCheckThreshold, cfg.Engine.MaxRetries, cfg.Engine.BackoffCap, appLogger)
	reaper := engine.NewReaper(store, cfg.Engine.LeaseTimeout, appLogger)

	appCounters := metrics.New()
	scheduler.SetMetrics(appCounters)
	coordinator.SetMetrics(appCounters)

	var wsHub *observer.WebSocketHub
	var observerManager *observer.ObserverManager
	if cfg.Observer.EnableWebSocket {
		wsHub = observer.NewWebSocketHub(appLogger)
		observerManager = observer.NewObserverManager(
			observer.WithLogger(appLogger),
			observer.WithBufferSize(cfg.Observer.WebSocketBufferSize),
		)
		wsObserver := observer.NewWebSocketObserver(wsHub, observer.WithWebSocketLogger(appLogger))
		if err := observerManager.Register(wsObserver); err != nil {
			appLogger.Error("failed to register websocket observer", "error", err)
		} else {
			scheduler.SetObserver(observerManager)
			coordinator.SetObserver(observerManager)
			appLogger.Info("websocket event stream enabled")
		}
	}

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	go reaper.Run(reaperCtx, cfg.Engine.ReaperInterval)

	maintenance, err := trigger.NewCronScheduler(trigger.CronSchedulerConfig{
		MapResults:    store.MapResults,
		Logger:        appLogger,
		PruneSchedule: cfg.Engine.MaintenanceCron,
		MaxAge:        cfg.Engine.MapResultRetention,
	})
	if err != nil {
		appLogger.Error("failed to initialize maintenance scheduler", "error", err)
		os.Exit(1)
	}
	maintenance.Start()
	defer maintenance.Stop()

	var tracingProvider *tracing.Provider
	if cfg.Tracing.OTLPEndpoint != "" {
		tracingProvider, err = tracing.NewProvider(context.Background(), tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			Insecure:    true,
		})
		if err != nil {
			appLogger.Warn("failed to initialize tracing, continuing without it", "error", err)
		} else if tracingProvider != nil {
			defer tracingProvider.Shutdown(context.Background())
			appLogger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
		}
	}

	authService := auth.NewService(cfg.Auth)
	authMiddleware := rest.NewAuthMiddleware(authService, appLogger)
	workerKeyMiddleware := rest.NewWorkerKeyMiddleware(cfg.Auth.WorkerAPIKeys, appLogger)
	loginRateLimiter := rest.NewLoginRateLimiter(5, 15*time.Minute, 15*time.Minute)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(rest.NewRecoveryMiddleware(appLogger).Recovery())
	router.Use(rest.NewLoggingMiddleware(appLogger).RequestLogger())
	router.Use(rest.NewBodySizeMiddleware(appLogger, 10<<20).LimitBodySize())
	router.Use(rest.NewAuditMiddleware(appLogger).RecordAction())

	if cfg.Server.CORS {
		router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Worker-Key")
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
		})
	}

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := storage.Ping(ctx, db); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("database: %s", err)})
			return
		}
		if redisCache != nil {
			if err := redisCache.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("redis: %s", err)})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, appCounters.PrometheusText())
	})

	if wsHub != nil {
		wsHandler := observer.NewWebSocketHandler(wsHub, appLogger)
		router.GET("/ws/executions", func(c *gin.Context) {
			wsHandler.ServeHTTP(c.Writer, c.Request)
		})
		router.GET("/ws/health", func(c *gin.Context) {
			wsHandler.HandleHealthCheck(c.Writer, c.Request)
		})
	}

	workflowHandlers := rest.NewWorkflowHandlers(registry, store, appLogger)
	executionHandlers := rest.NewExecutionHandlers(registry, store, blobStore, scheduler, coordinator, appLogger)
	executionHandlers.SetMetrics(appCounters)
	taskHandlers := rest.NewTaskHandlers(store, dispatcher, coordinator, appLogger)
	authHandlers := rest.NewAuthHandlers(authService, appLogger)

	router.POST("/auth/login", loginRateLimiter.Middleware(), authHandlers.HandleLogin)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(authMiddleware.RequireAuth())
	{
		apiV1.POST("/workflows", workflowHandlers.HandleRegisterWorkflow)
		apiV1.GET("/workflows/:workflow_id/versions", workflowHandlers.HandleListWorkflowVersions)
		apiV1.GET("/workflows/:workflow_id/versions/:version_hash/diagram", workflowHandlers.HandleGetWorkflowDiagram)

		apiV1.POST("/executions", executionHandlers.HandleStartExecution)
		apiV1.GET("/executions", executionHandlers.HandleListExecutions)
		apiV1.GET("/executions/:id", executionHandlers.HandleGetStatus)
		apiV1.POST("/executions/:id/cancel", executionHandlers.HandleCancelExecution)
		apiV1.GET("/executions/:id/nodes/:node_id/result", executionHandlers.HandleGetNodeResult)

		apiV1.POST("/tasks/:id/approve", taskHandlers.HandleApproveTask)
		apiV1.POST("/tasks/:id/reject", taskHandlers.HandleRejectTask)
		apiV1.GET("/tasks/pending-approvals", taskHandlers.HandleGetPendingApprovals)
	}

	workers := router.Group("/api/v1/tasks")
	workers.Use(workerKeyMiddleware.RequireWorkerKey())
	{
		workers.POST("/poll", taskHandlers.HandlePollTask)
		workers.POST("/:id/complete", taskHandlers.HandleCompleteTask)
		workers.POST("/:id/fail", taskHandlers.HandleFailTask)
	}

	appLogger.Info("routes registered")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("http server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		appLogger.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		appLogger.Info("shutdown initiated", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		reaperCancel()
		if err := maintenance.Stop(); err != nil {
			appLogger.Error("maintenance scheduler shutdown failed", "error", err)
		}

		if err := server.Shutdown(ctx); err != nil {
			appLogger.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				appLogger.Error("server close failed", "error", err)
			}
		}
		appLogger.Info("server stopped")
	}
}
