package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	jwtpkg "expirebot/backend/internal/auth/jwt"
	"expirebot/backend/internal/chat"
	"expirebot/backend/internal/chat/logchat"
	"expirebot/backend/internal/chat/telegram"
	"expirebot/backend/internal/config"
	"expirebot/backend/internal/health"
	"expirebot/backend/internal/logger"
	"expirebot/backend/internal/monitoring"
	"expirebot/backend/internal/pool"
	"expirebot/backend/internal/queue"
	"expirebot/backend/internal/retention"
	"expirebot/backend/internal/scheduler"
	"expirebot/backend/internal/service"
	"expirebot/backend/internal/storage"
	"expirebot/backend/internal/storage/hybrid"
	"expirebot/backend/internal/storage/memory"
	"expirebot/backend/internal/storage/postgres"
	redisstore "expirebot/backend/internal/storage/redis"
	sqlstore "expirebot/backend/internal/storage/sql"
	httptransport "expirebot/backend/internal/transport/http"
	"expirebot/backend/internal/websocket"
)

const version = "0.3.0"

// chatBackend 协议客户端需要提供的全部能力
type chatBackend interface {
	chat.Redactor
	chat.Replier
}

// main 启动过期机器人：协议客户端、调度器和 HTTP 管理接口。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromAppConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting expirebot",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 监控指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	// 存储层
	store, extraChecks, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
	}()

	// 协议客户端：配置了 Token 时使用 Telegram，否则只记录日志
	var (
		backend     chatBackend
		powerLevels chat.PowerLevelSource
		tg          *telegram.Client
	)
	if cfg.Telegram.Token != "" {
		tg, err = telegram.New(cfg.Telegram, log.Named("telegram"))
		if err != nil {
			log.Fatal("failed to initialize telegram client", zap.Error(err))
		}
		backend = tg
		powerLevels = tg
		log.Info("using telegram protocol client")
	} else {
		backend = logchat.New(log.Named("logchat"))
		powerLevels = staticPowerLevels(cfg.Permission)
		log.Warn("telegram token not configured, redactions are only logged")
	}

	// 服务层
	policyService := service.NewPolicyService(store, log)
	trackerService := service.NewTrackerService(store, store, metrics, log)
	checker := chat.NewPowerLevelChecker(powerLevels, cfg.Permission.RedactLevel)
	commandService := service.NewCommandService(policyService, checker, backend, cfg.Permission.RedactLevel, metrics, log)

	// 调度与分发
	sched := scheduler.New(trackerService, scheduler.Options{
		StorageRetryInterval: cfg.Scheduler.StorageRetryInterval,
		MaxStorageFailures:   cfg.Scheduler.MaxStorageFailures,
	}, log.Named("scheduler"), metrics)
	expiryService := service.NewExpiryService(trackerService, sched, log)

	workers := pool.NewWorkerPool(cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, log)
	workers.OnPanic(func(r interface{}) {
		metrics.RecordPanic()
		log.Error("redaction task panicked", zap.Any("panic", r))
	})

	var limiter *rate.Limiter
	if cfg.Scheduler.RateLimit > 0 {
		burst := cfg.Scheduler.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Scheduler.RateLimit), burst)
	}
	dispatcher := scheduler.NewDispatcher(trackerService, backend, workers, sched, scheduler.DispatcherOptions{
		MaxRetries:  cfg.Scheduler.MaxRetries,
		BaseBackoff: cfg.Scheduler.BaseBackoff,
		MaxBackoff:  cfg.Scheduler.MaxBackoff,
		Reason:      cfg.Scheduler.RedactReason,
	}, limiter, log.Named("dispatcher"), metrics)

	// 健康检查
	healthChecker := health.NewHealthChecker(store, sched, log)
	for name, check := range extraChecks {
		healthChecker.AddLivenessCheck(name, check)
	}

	// 告警
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.StorageHealthRule(store.Health))
	alertManager.AddRule(monitoring.BacklogRule(sched.Overdue, 100))

	// 事件推送：WebSocket 与 RabbitMQ
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log.Named("websocket"))
	notifiers := service.MultiNotifier{wsHub, alertManager}

	var (
		publisher *queue.Publisher
		consumer  *queue.Consumer
	)
	if cfg.AMQP.URL != "" {
		publisher, err = queue.NewPublisher(cfg.AMQP, log.Named("amqp"))
		if err != nil {
			log.Fatal("failed to initialize amqp publisher", zap.Error(err))
		}
		defer func() { _ = publisher.Close() }()
		notifiers = append(notifiers, publisher)
		alertManager.AddReceiver(publisher)

		consumer, err = queue.NewConsumer(cfg.AMQP, log.Named("amqp"))
		if err != nil {
			log.Fatal("failed to initialize amqp consumer", zap.Error(err))
		}
		defer consumer.Close()
		healthChecker.AddLivenessCheck("amqp", consumer.Check)
		log.Info("amqp bridge enabled", zap.String("exchange", cfg.AMQP.Exchange))
	}
	policyService.SetNotifier(notifiers)
	expiryService.SetNotifier(notifiers)
	dispatcher.SetNotifier(notifiers)

	if tg != nil {
		tg.SetHandlers(expiryService, commandService)
	}

	// 历史记录清理
	pruner := retention.NewPruner(store, cfg.Retention.History, metrics)
	var retentionScheduler *retention.Scheduler
	if cfg.Retention.Enabled {
		retentionScheduler = retention.NewScheduler(pruner, cfg.Retention, log.Named("retention"))
	}

	// HTTP 管理接口
	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		PolicyService:  policyService,
		TrackerService: trackerService,
		ExpiryService:  expiryService,
		CommandService: commandService,
		Scheduler:      sched,
		Health:         healthChecker,
		Metrics:        metrics,
		JWTManager:     jwtManager,
		WebSocketHub:   wsHub,
		Logger:         log,
	})

	httpAddr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)

	// 调度器 goroutine：存储持续不可用时返回错误，整个进程随之退出
	group.Go(func() error {
		log.Info("starting scheduler")
		err := sched.Run(groupCtx, dispatcher)
		if errors.Is(err, scheduler.ErrStorageUnavailable) {
			alertManager.StorageUnavailable(err)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", zap.Error(err))
			return err
		}
		return nil
	})

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 协议客户端 goroutine
	if tg != nil {
		group.Go(func() error {
			log.Info("starting telegram client")
			if err := tg.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("telegram client stopped", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// RabbitMQ 入站事件 goroutine
	if consumer != nil {
		group.Go(func() error {
			log.Info("starting amqp consumer", zap.String("queue", cfg.AMQP.InboundQueue))
			if err := consumer.Consume(groupCtx, expiryService); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("amqp consumer stopped", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		return alertManager.StartMonitoring(groupCtx, 1*time.Minute)
	})

	// 历史记录清理
	if retentionScheduler != nil {
		if err := retentionScheduler.Start(groupCtx); err != nil {
			log.Fatal("failed to start retention scheduler", zap.Error(err))
		}
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if retentionScheduler != nil {
			retentionScheduler.Stop()
		}

		log.Info("servers stopped")
		return nil
	})

	err = group.Wait()

	// 协程池执行完剩余任务后再等待分发器；被打断的删除退回 pending，下次启动时恢复
	workers.Stop()
	dispatcher.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("expirebot exited with error", zap.Error(err))
		_ = log.Sync()
		panic(err)
	}

	log.Info("expirebot exited cleanly")
}

// initializeStorage 根据配置选择存储实现
//
// 数据库存储外层包一层策略缓存，启用 Redis 时作为二级缓存。
// 返回值中的检查项会注册为额外的存活检查。
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, map[string]healthcheck.Check, error) {
	checks := make(map[string]healthcheck.Check)

	var backing storage.Store
	switch cfg.Database.Type {
	case "", "memory":
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), checks, nil

	case "mysql", "postgres", "sqlite":
		store, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Database.Type, err)
		}
		checks["database"] = health.DatabaseHealthCheck(store.DB())
		backing = store

	case "pgx":
		client, err := postgres.New(&cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		store, err := postgres.NewStore(context.Background(), client)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		checks["database"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return client.Ping(ctx)
		}
		backing = store

	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))

	var remote hybrid.PolicyCache
	if cfg.Redis.Enabled {
		client, err := redisstore.New(&cfg.Redis, log)
		if err != nil {
			// 缓存不可用时只退化为本地缓存
			log.Warn("failed to connect redis, using local policy cache only", zap.Error(err))
		} else {
			remote = redisstore.NewPolicyCache(client, cfg.Redis.Prefix)
			backing = closeWith(backing, client)
			checks["redis"] = health.RedisHealthCheck(client.Client())
			log.Info("redis policy cache enabled", zap.String("address", cfg.Redis.Address))
		}
	}

	return hybrid.NewStore(backing, remote, cfg.Redis.TTL, log), checks, nil
}

// staticPowerLevels 没有协议权限信息时，按配置构造固定权限表
func staticPowerLevels(cfg config.PermissionConfig) *chat.StaticPowerLevels {
	levels := &chat.StaticPowerLevels{
		Users:   make(map[string]int, len(cfg.Admins)),
		Default: cfg.DefaultLevel,
	}
	for _, admin := range cfg.Admins {
		levels.Users[admin] = 100
	}
	return levels
}

// closingStore 关闭存储时一并关闭附属连接
type closingStore struct {
	storage.Store
	extra interface{ Close() error }
}

func closeWith(store storage.Store, extra interface{ Close() error }) storage.Store {
	return &closingStore{Store: store, extra: extra}
}

// Close 先关闭存储，再关闭附属连接
func (s *closingStore) Close() error {
	err := s.Store.Close()
	if extraErr := s.extra.Close(); err == nil {
		err = extraErr
	}
	return err
}
