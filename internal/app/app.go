package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"school_im_backend/internal/config"
	"school_im_backend/internal/controller"
	"school_im_backend/internal/repository"
	"school_im_backend/internal/service"
	"school_im_backend/pkg/database"
	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"
	"school_im_backend/pkg/security"
	"school_im_backend/pkg/tracing"
	"school_im_backend/pkg/workqueue"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	taskQueue       *workqueue.Queue
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user         *repository.UserRepository
	relationship *repository.RelationshipRepository
	conversation *repository.ConversationRepository
	message      *repository.MessageRepository
	broadcast    *repository.BroadcastRepository
	adminAccess  *repository.AdminAccessRepository
	pushSub      *repository.PushSubscriptionRepository
}

type services struct {
	auth         *service.AuthService
	presence     *service.PresenceTracker
	cipher       *service.CipherService
	moderation   *service.ModerationService
	authz        *service.AuthorizationService
	conversation *service.ConversationService
	message      *service.MessageService
	broadcast    *service.BroadcastService
	oversight    *service.AdminOversightService
	push         *service.PushService
	chatHub      *service.ChatHub
}

type controllers struct {
	auth      *controller.AuthController
	chat      *controller.ChatController
	broadcast *controller.BroadcastController
	admin     *controller.AdminController
	push      *controller.PushController
	health    *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB, rdb *redis.Client) *repositories {
	return &repositories{
		user:         repository.NewUserRepository(db),
		relationship: repository.NewRelationshipRepository(db, rdb),
		conversation: repository.NewConversationRepository(db, rdb),
		message:      repository.NewMessageRepository(db, rdb),
		broadcast:    repository.NewBroadcastRepository(db),
		adminAccess:  repository.NewAdminAccessRepository(db),
		pushSub:      repository.NewPushSubscriptionRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.auth = service.NewAuthService(repos.user, cfg)
	s.presence = service.NewPresenceTracker()
	s.cipher = service.NewCipherService(cfg.Chat.MasterKey)
	s.moderation = service.NewModerationService(db, cfg.Moderation)
	s.authz = service.NewAuthorizationService(repos.relationship, repos.user, repos.conversation)

	// 消息分发与离线推送共用的有界任务队列
	a.taskQueue = workqueue.New(cfg.Push.QueueSize, cfg.Push.Workers)

	s.conversation = service.NewConversationService(
		repos.conversation,
		repos.message,
		repos.relationship,
		s.authz,
		s.cipher,
		s.presence,
		cfg.Chat,
	)
	s.message = service.NewMessageService(
		repos.message,
		repos.conversation,
		repos.user,
		s.authz,
		s.moderation,
		s.cipher,
		s.presence,
		a.taskQueue,
	)
	s.broadcast = service.NewBroadcastService(
		repos.broadcast,
		repos.user,
		s.authz,
		s.moderation,
		s.cipher,
		s.presence,
	)
	s.oversight = service.NewAdminOversightService(
		db,
		repos.adminAccess,
		repos.conversation,
		s.authz,
		s.cipher,
		cfg.Maintenance,
	)

	s.push = service.NewPushService(repos.pushSub, s.presence, a.taskQueue, cfg.Push)

	// hub 与消息服务互相引用，构造后再绑定
	s.chatHub = service.NewChatHub(rdb, repos.conversation, s.presence)
	s.chatHub.BindMessageService(s.message)
	s.message.BindPublisher(s.chatHub, s.push)
	s.broadcast.BindPublisher(s.chatHub, s.push)
	go s.chatHub.Run()

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:      controller.NewAuthController(s.auth),
		chat:      controller.NewChatController(s.conversation, s.message, s.authz, s.chatHub, a.Config),
		broadcast: controller.NewBroadcastController(s.broadcast),
		admin:     controller.NewAdminController(s.oversight, s.moderation),
		push:      controller.NewPushController(s.push),
		health:    controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 维护循环：归档、审计清理、推送订阅清理、输入状态过期
func (a *App) startBackgroundTasks(s *services) {
	interval := time.Duration(a.Config.Maintenance.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := s.oversight.ArchiveOldMessages(); err != nil {
				logger.Log.Error("maintenance archive error", zap.Error(err))
			}
			if _, err := s.oversight.PurgeOldAccessLogs(); err != nil {
				logger.Log.Error("maintenance log purge error", zap.Error(err))
			}
			if _, err := s.push.CleanupFailed(); err != nil {
				logger.Log.Error("push cleanup error", zap.Error(err))
			}
		}
	}()

	// 输入状态过期用更短的周期
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			s.conversation.ExpireStaleTyping()
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if cfg.MigrateOnly {
		logger.Log.Info("Migration completed, exiting (migrate-only mode)")
		os.Exit(0)
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
	}

	repos := app.initRepositories(db, rdb)
	svcs := app.initServices(repos, cfg, db, rdb)
	app.services = svcs
	ctrls := app.initControllers(svcs, db, rdb)

	// 审核策略支持热更新
	app.RegisterConfigCallback(func(newCfg *config.Config) {
		svcs.moderation.UpdatePolicy(newCfg.Moderation)
	})

	// 监控初始化
	monitoring.Init()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		if _, err := tracing.InitTracer("school-im", cfg.Tracing.CollectorEndpoint); err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	app.registerRoutes(router, ctrls, repos, cfg)
	app.startBackgroundTasks(svcs)

	return app
}

// ApplyConfig 配置热更新回调入口，由 configwatcher 调用
func (a *App) ApplyConfig(cfg *config.Config) {
	a.Config = cfg
	for _, callback := range a.configCallbacks {
		callback(cfg)
	}
	logger.Log.Info("Configuration reloaded")
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// 清理 WebSocket 连接和 Redis 在线状态
	if a.services != nil && a.services.chatHub != nil {
		a.services.chatHub.Stop()
	}
	// 排空分发与推送队列
	if a.taskQueue != nil {
		a.taskQueue.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
