package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/adapter/judges"
	"ojforge/internal/common/cache"
	"ojforge/internal/common/db"
	commonmw "ojforge/internal/common/http/middleware"
	"ojforge/internal/common/mq"
	"ojforge/internal/common/storage"
	"ojforge/internal/event"
	"ojforge/internal/gate"
	"ojforge/internal/llm"
	"ojforge/internal/pipeline"
	"ojforge/internal/pipeline/exec"
	"ojforge/internal/secret"
	systemCtl "ojforge/internal/system/controller"
	systemRepo "ojforge/internal/system/repository"
	systemSvc "ojforge/internal/system/service"
	taskCtl "ojforge/internal/task/controller"
	taskRepo "ojforge/internal/task/repository"
	taskSvc "ojforge/internal/task/service"
	userCtl "ojforge/internal/user/controller"
	userRepo "ojforge/internal/user/repository"
	userSvc "ojforge/internal/user/service"
	"ojforge/internal/workspace"
	"ojforge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/forge.yaml"

func main() {
	os.Exit(run())
}

// run keeps the exit code out of main so deferred cleanups still fire
// before the process reports failure.
func run() int {
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return 1
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.Open(appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return 1
	}
	defer func() { _ = database.Close() }()

	if err := db.Migrate(context.Background(), database); err != nil {
		logger.Error(context.Background(), "migrate database failed", zap.Error(err))
		return 1
	}

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return 1
	}
	defer func() { _ = redisCache.Close() }()

	sysConfigs := systemRepo.NewSystemConfigRepository(database)
	cipher, err := secret.LoadCipher(context.Background(), sysConfigs)
	if err != nil {
		logger.Error(context.Background(), "load credential cipher failed", zap.Error(err))
		return 1
	}

	users := userRepo.NewUserRepository(database)
	invites := userRepo.NewInviteRepository(database)
	activities := userRepo.NewActivityRepository(database)
	sessions := userRepo.NewSessionStore(redisCache)
	recorder := userSvc.NewRecorder(activities)

	authService := userSvc.NewAuthService(users, invites, sessions, recorder, userSvc.Config{
		JWTSecret:        appCfg.Auth.JWTSecret,
		Issuer:           appCfg.Auth.JWTIssuer,
		AccessTTL:        appCfg.Auth.AccessTTL,
		LoginFailLimit:   appCfg.Auth.LoginFailLimit,
		LoginFailWindow:  appCfg.Auth.LoginFailWindow,
		OpenRegistration: appCfg.Auth.OpenRegistration,
	})

	registry := adapter.NewRegistry()
	configService := userSvc.NewConfigService(userRepo.NewConfigRepository(database, cipher), registry, recorder)
	if err := judges.RegisterDefaults(registry, configService, judges.NewHTTPClient()); err != nil {
		logger.Error(context.Background(), "register judge adapters failed", zap.Error(err))
		return 1
	}

	gates := gate.NewManager(appCfg.Concurrency)
	taskStore := taskRepo.NewTaskRepository(database)
	problemStore := taskRepo.NewProblemRepository(database)
	systemService := systemSvc.NewSystemService(gates, sysConfigs, taskStore, users, recorder)
	if err := systemService.RestoreConcurrency(context.Background()); err != nil {
		logger.Error(context.Background(), "restore concurrency config failed", zap.Error(err))
		return 1
	}

	pool := llm.NewPool(configService, gates, llm.PoolConfig{Timeout: appCfg.LLM.Timeout})

	execRunner := exec.New(exec.Config{
		CompileCpp:     appCfg.Exec.CompileCpp,
		RunCpp:         appCfg.Exec.RunCpp,
		RunPython:      appCfg.Exec.RunPython,
		CompileTimeout: appCfg.Exec.CompileTimeout,
		RunTimeout:     appCfg.Exec.RunTimeout,
		ScriptTimeout:  appCfg.Exec.ScriptTimeout,
		OutputLimit:    appCfg.Exec.OutputLimit,
	})

	workspaces, err := workspace.NewStore(appCfg.Workspace.Root)
	if err != nil {
		logger.Error(context.Background(), "init workspace store failed", zap.Error(err))
		return 1
	}

	bus := event.NewBus(appCfg.Events.Backlog)
	hub := event.NewHub(bus)

	var mirror *event.Mirror
	if appCfg.Events.MirrorEnabled {
		mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return 1
		}
		defer func() { _ = mqClient.Close() }()
		mirror = event.NewMirror(bus, mqClient, appCfg.Events.Topic)
	}

	var archiver *workspace.Archiver
	if appCfg.Archive.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.Archive.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return 1
		}
		archiver = workspace.NewArchiver(objStorage, appCfg.Archive.Bucket)
	}

	runner := pipeline.NewRunner(pipeline.Config{
		TaskTimeout:   gates.Config().TaskTimeout(),
		MaxAttempts:   appCfg.Pipeline.MaxAttempts,
		RetryBase:     appCfg.Pipeline.RetryBase,
		CaseCount:     appCfg.Pipeline.CaseCount,
		MinCases:      appCfg.Pipeline.MinCases,
		Temperature:   appCfg.Pipeline.Temperature,
		SolveLanguage: appCfg.Pipeline.SolveLanguage,
		PollInterval:  appCfg.Pipeline.PollInterval,
		PollTimeout:   appCfg.Pipeline.PollTimeout,
		TargetBaseURL: appCfg.Pipeline.TargetBaseURL,
	}, pipeline.Deps{
		Store:      problemStore,
		Workspaces: workspaces,
		Adapters:   registry,
		LLM:        pool,
		Gates:      gates,
		Exec:       execRunner,
		Bus:        bus,
	})

	taskService := taskSvc.NewTaskService(taskSvc.Config{
		MaxBatch:        appCfg.Service.MaxBatch,
		StaleAfter:      appCfg.Service.StaleAfter,
		CleanupInterval: appCfg.Service.CleanupInterval,
	}, taskSvc.Deps{
		Tasks:      taskStore,
		Problems:   problemStore,
		Runner:     runner,
		Gates:      gates,
		Workspaces: workspaces,
		Adapters:   registry,
		Bus:        bus,
		Activity:   recorder,
		Archiver:   archiver,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go hub.Run(runCtx)
	if mirror != nil {
		go mirror.Run(runCtx)
	}
	if err := taskService.Start(runCtx); err != nil {
		logger.Error(context.Background(), "start task service failed", zap.Error(err))
		return 1
	}

	authController := userCtl.NewAuthController(authService, recorder)
	taskController := taskCtl.NewTaskController(taskService)
	systemController := systemCtl.NewSystemController(systemService)
	configController := systemCtl.NewConfigController(configService, pool, registry)

	httpServer := buildHTTPServer(appCfg, authService, authController, taskController, systemController, configController, hub)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "forge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}

	// Stop intake first, then let in-flight problem runs reach a save
	// point before the process exits.
	cancelRun()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), appCfg.Service.DrainTimeout)
	defer cancelDrain()
	if err := taskService.Shutdown(drainCtx); err != nil {
		logger.Warn(context.Background(), "task drain incomplete", zap.Error(err))
	}
	return 0
}

func buildHTTPServer(cfg *AppConfig, verifier commonmw.TokenVerifier,
	authController *userCtl.AuthController, taskController *taskCtl.TaskController,
	systemController *systemCtl.SystemController, configController *systemCtl.ConfigController,
	hub *event.Hub) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	maxAge := ""
	if cfg.CORS.MaxAge > 0 {
		maxAge = fmt.Sprintf("%d", int(cfg.CORS.MaxAge.Seconds()))
	}
	router.Use(commonmw.CORS(commonmw.CORSConfig{
		Enabled:          cfg.CORS.Enabled,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           maxAge,
	}))
	router.Use(requestLogger())

	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := router.Group("/api/v1")
	authController.RegisterPublicRoutes(api)

	authed := api.Group("", commonmw.Auth(verifier))
	authController.RegisterRoutes(authed)
	taskController.RegisterRoutes(authed)
	systemController.RegisterRoutes(authed)
	configController.RegisterRoutes(authed)
	authed.GET("/ws", hub.HandleWS)

	admin := authed.Group("", commonmw.RequireAdmin())
	authController.RegisterAdminRoutes(admin)
	systemController.RegisterAdminRoutes(admin)
	configController.RegisterAdminRoutes(admin)

	return &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}