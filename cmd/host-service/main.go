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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"warden/internal/common/cache"
	"warden/internal/common/db"
	commonmw "warden/internal/common/http/middleware"
	"warden/internal/common/mq"
	"warden/internal/common/storage"
	"warden/internal/workload/bundle"
	"warden/internal/workload/controller"
	"warden/internal/workload/driver"
	"warden/internal/workload/driver/procdriver"
	"warden/internal/workload/engine"
	"warden/internal/workload/grants"
	"warden/internal/workload/notify"
	"warden/internal/workload/repository"
	"warden/internal/workload/service"
	"warden/pkg/utils/logger"
)

const defaultConfigPath = "configs/host-service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() { _ = mysqlDB.Close() }()
	dbProvider := db.NewManager(mysqlDB)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() { _ = redisCache.Close() }()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() { _ = mqClient.Close() }()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	bundleStore := bundle.NewStore(appCfg.Bundles, objStorage, redisCache)

	procDriver, err := procdriver.New(appCfg.Driver)
	if err != nil {
		logger.Error(context.Background(), "init process driver failed", zap.Error(err))
		return
	}
	boundedDriver := driver.NewBounded(procDriver, appCfg.Engine.Bounds)

	ledgerRepo := repository.NewLedgerRepository(dbProvider)
	statusCache := repository.NewStatusCache(redisCache, appCfg.Engine.StatusTTL)
	eventSink := notify.NewMQSink(mqClient, appCfg.Notify.Topic)

	eng, err := engine.New(engine.Config{
		Ledger:        ledgerRepo,
		Status:        statusCache,
		Driver:        boundedDriver,
		Bundles:       bundleStore,
		Sink:          eventSink,
		Plans:         appCfg.Engine.Plans,
		Accounting:    appCfg.Engine.Accounting,
		Policy:        appCfg.Engine.Policy,
		RunLimits:     appCfg.Engine.RunLimits,
		PollInterval:  appCfg.Engine.PollInterval,
		StatsAttempts: appCfg.Engine.StatsAttempts,
		StopGrace:     appCfg.Engine.StopGrace,
		DeadlineGrace: appCfg.Engine.DeadlineGrace,
		MailboxSize:   appCfg.Engine.MailboxSize,
		IdleActorTTL:  appCfg.Engine.IdleActorTTL,
	})
	if err != nil {
		logger.Error(context.Background(), "init engine failed", zap.Error(err))
		return
	}

	// Settle rows left active by an unclean shutdown before accepting
	// commands or grants.
	if err := eng.Recover(context.Background()); err != nil {
		logger.Error(context.Background(), "recover workloads failed", zap.Error(err))
		return
	}

	workloadService, err := service.NewWorkloadService(service.Config{
		Engine:   eng,
		Status:   statusCache,
		Timeouts: appCfg.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init workload service failed", zap.Error(err))
		return
	}
	rateService := service.NewRateLimitService(redisCache, appCfg.Rate.Window, appCfg.Redis.ReadTimeout)

	grantConsumer, err := grants.NewConsumer(grants.Config{
		Queue:       mqClient,
		Engine:      eng,
		Concurrency: appCfg.Grants.Concurrency,
	})
	if err != nil {
		logger.Error(context.Background(), "init grant consumer failed", zap.Error(err))
		return
	}
	if err := grantConsumer.Subscribe(context.Background(), appCfg.Grants.Topic, appCfg.Grants.ConsumerGroup); err != nil {
		logger.Error(context.Background(), "subscribe grants topic failed", zap.Error(err))
		return
	}

	healthController := controller.NewHealthController(map[string]controller.Pinger{
		"mysql": mysqlDB,
		"redis": redisCache,
		"kafka": mqClient,
	})

	httpServer := buildHTTPServer(appCfg, workloadService, rateService, healthController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "host http server started", zap.String("addr", appCfg.Server.Addr))
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

	// Shutdown order matters: stop taking commands, stop taking grants,
	// then drain the actors so every in-flight run settles its ledger.
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
	if err := eng.Close(ctx); err != nil {
		logger.Error(context.Background(), "engine shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg *AppConfig, workloadService *service.WorkloadService, rateService *service.RateLimitService, health *controller.HealthController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())
	router.Use(commonmw.CORSMiddleware(commonmw.CORSConfig{
		Enabled:          cfg.CORS.Enabled,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAgeSeconds:    int(cfg.CORS.MaxAge.Seconds()),
	}))

	authCfg := commonmw.AuthConfig{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer}
	authed := commonmw.AuthMiddleware(authCfg, commonmw.AuthPolicy{})
	adminOnly := commonmw.AuthMiddleware(authCfg, commonmw.AuthPolicy{Roles: []string{service.RoleAdmin}})
	limit := func(routeKey string, p RoutePolicy) gin.HandlerFunc {
		window := p.Window
		if window <= 0 {
			window = cfg.Rate.Window
		}
		return commonmw.RateLimitMiddleware(rateService, routeKey, commonmw.RateLimitPolicy{
			Window:  window,
			UserMax: p.UserMax,
			IPMax:   p.IPMax,
		})
	}

	workloadController := controller.NewWorkloadController(workloadService)
	api := router.Group("/api/v1/workloads")
	api.POST("", authed, limit("workloads:create", cfg.Rate.Create), workloadController.Create)
	api.GET("", authed, limit("workloads:read", cfg.Rate.Read), workloadController.List)
	api.GET("/:id", authed, limit("workloads:read", cfg.Rate.Read), workloadController.Get)
	api.GET("/:id/status", authed, limit("workloads:read", cfg.Rate.Read), workloadController.Status)
	api.POST("/:id/start", authed, limit("workloads:start", cfg.Rate.Start), workloadController.Start)
	api.POST("/:id/stop", authed, limit("workloads:stop", cfg.Rate.Stop), workloadController.Stop)
	api.POST("/:id/ledger", adminOnly, limit("workloads:adjust", cfg.Rate.Adjust), workloadController.Adjust)
	api.DELETE("/:id", authed, limit("workloads:delete", cfg.Rate.Delete), workloadController.Delete)

	router.GET("/healthz", health.Check)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
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
