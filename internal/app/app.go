package app

import (
	"context"
	"course_access_backend/internal/config"
	"course_access_backend/internal/controller"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/configwatcher"
	"course_access_backend/pkg/database"
	"course_access_backend/pkg/events"
	"course_access_backend/pkg/logger"
	"course_access_backend/pkg/monitoring"
	"course_access_backend/pkg/security"
	"course_access_backend/pkg/tracing"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	paymentEventRetention = 30 * 24 * time.Hour
	paymentEventStuck     = 10 * time.Minute
)

type App struct {
	Config    *config.Config
	ConfigDir string
	Router    *gin.Engine
	DB        *gorm.DB
	Redis     *redis.Client
	Bus       *events.Bus

	services        *services
	cron            *cron.Cron
	tracer          *sdktrace.TracerProvider
	cancel          context.CancelFunc
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user          *repository.UserRepository
	course        *repository.CourseRepository
	enrollment    *repository.EnrollmentRepository
	progress      *repository.ProgressRepository
	certificate   *repository.CertificateRepository
	audit         *repository.AuditRepository
	paymentEvents *repository.PaymentEventRepository
}

type services struct {
	roles       *service.RoleResolver
	sessions    *service.SessionGuard
	bootstrap   *service.BootstrapEmailSource
	auth        *service.AuthService
	user        *service.UserService
	audit       *service.AuditService
	gate        *service.AccessGate
	course      *service.CourseService
	enrollment  *service.EnrollmentService
	certificate *service.CertificateService
	renderer    *service.CertificateRenderer
	progress    *service.ProgressService
	payment     *service.PaymentService
	storage     *service.StorageService
}

type controllers struct {
	auth        *controller.AuthController
	course      *controller.CourseController
	progress    *controller.ProgressController
	enrollment  *controller.EnrollmentController
	certificate *controller.CertificateController
	billing     *controller.BillingController
	admin       *controller.AdminController
	health      *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:          repository.NewUserRepository(db),
		course:        repository.NewCourseRepository(db),
		enrollment:    repository.NewEnrollmentRepository(db),
		progress:      repository.NewProgressRepository(db),
		certificate:   repository.NewCertificateRepository(db),
		audit:         repository.NewAuditRepository(db),
		paymentEvents: repository.NewPaymentEventRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client, bus *events.Bus) *services {
	log := logger.Log
	s := &services{}

	s.bootstrap = service.NewBootstrapEmailSource(cfg.Access.AdminBootstrapEmails)
	s.roles = service.NewRoleResolver(
		service.ClaimsRoleSource{},
		service.ProfileRoleSource{Users: repos.user},
		s.bootstrap,
	)
	s.sessions = service.NewSessionGuard(repos.user)
	s.auth = service.NewAuthService(repos.user, s.roles, &cfg.Session)
	s.audit = service.NewAuditService(repos.audit, log)
	s.user = service.NewUserService(repos.user, s.audit)
	s.storage = service.NewStorageService(&cfg.Storage)

	s.gate = service.NewAccessGate(repos.course, repos.enrollment, cfg.Access, log)
	s.course = service.NewCourseService(repos.course, s.gate, rdb, log)
	s.enrollment = service.NewEnrollmentService(repos.course, repos.user, repos.enrollment, s.audit, bus, log)
	s.certificate = service.NewCertificateService(repos.user, repos.course, repos.enrollment, repos.certificate, s.audit, bus, &cfg.Certificate, log)
	s.progress = service.NewProgressService(repos.course, repos.enrollment, repos.progress, s.gate, s.certificate, s.audit, bus, cfg.Backfill, log)
	s.payment = service.NewPaymentService(repos.enrollment, repos.paymentEvents, s.audit, bus, cfg.Billing.WebhookSecret, log)

	if cfg.Certificate.RenderArtifact {
		s.renderer = service.NewCertificateRenderer(repos.certificate, s.storage, &cfg.Certificate, log)
	}
	service.RegisterEventHandlers(bus, s.progress, s.renderer, log)

	// 热更新：日志级别、访问策略、初始管理员名单、回调密钥
	a.RegisterConfigCallback(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level, newCfg.Server.Mode)
		s.gate.UpdatePolicy(newCfg.Access)
		s.bootstrap.Update(newCfg.Access.AdminBootstrapEmails)
		s.payment.UpdateSecret(newCfg.Billing.WebhookSecret)
	})
	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:        controller.NewAuthController(s.auth, &a.Config.Session),
		course:      controller.NewCourseController(s.course, s.gate),
		progress:    controller.NewProgressController(s.progress),
		enrollment:  controller.NewEnrollmentController(s.enrollment),
		certificate: controller.NewCertificateController(s.certificate, s.progress),
		billing:     controller.NewBillingController(s.payment),
		admin:       controller.NewAdminController(s.enrollment, s.certificate, s.progress, s.audit, s.user),
		health:      controller.NewHealthController(db, rdb),
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

// startBackgroundTasks 事件总线 worker 与定时任务
func (a *App) startBackgroundTasks(ctx context.Context, s *services) {
	a.Bus.Run(ctx)

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.Config.Scheduler.ExpirySpec, func() {
		n, err := s.enrollment.ExpireOverdue(ctx)
		if err != nil {
			logger.Log.Error("enrollment expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Log.Info("expired overdue enrollments", zap.Int("count", n))
		}
	}); err != nil {
		logger.Log.Error("invalid expiry schedule", zap.String("spec", a.Config.Scheduler.ExpirySpec), zap.Error(err))
	}
	if _, err := a.cron.AddFunc(a.Config.Scheduler.CleanupSpec, func() {
		s.payment.Housekeeping(ctx, paymentEventRetention, paymentEventStuck)
	}); err != nil {
		logger.Log.Error("invalid cleanup schedule", zap.String("spec", a.Config.Scheduler.CleanupSpec), zap.Error(err))
	}
	a.cron.Start()
}

func NewApp(cfg *config.Config, configDir string) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	migrate := cfg.ForceMigrate || cfg.Server.Mode != gin.ReleaseMode
	db, err := database.InitDB(&cfg.Database, migrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() && !cfg.MigrateOnly {
		rdb, err = database.InitRedis(context.Background(), &cfg.Redis, logger.Log)
		if err != nil {
			// Redis 只承载缓存与事件镜像，连接失败时降级运行
			logger.Log.Warn("Redis unavailable, continuing without cache and event mirror", zap.Error(err))
			rdb = nil
		}
	}

	bus := events.NewBus(logger.Log, cfg.Events.BufferSize, cfg.Events.Workers)
	if rdb != nil {
		bus.SetMirror(events.NewRedisMirror(rdb, cfg.Events.RedisChannel))
	}

	app := &App{
		Config:    cfg,
		ConfigDir: configDir,
		DB:        db,
		Redis:     rdb,
		Bus:       bus,
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb, bus)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(cfg.Tracing, cfg.Server.Mode)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers, services, cfg)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	return app
}

// RunBackfill 命令行模式：执行一次进度回填后退出
func (a *App) RunBackfill(ctx context.Context) (*service.BackfillReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.Bus.Run(ctx)
	defer a.Bus.Close()
	return a.services.progress.RunBackfill(ctx, service.SystemActor)
}

func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.startBackgroundTasks(ctx, a.services)

	if a.ConfigDir != "" {
		if err := configwatcher.WatchConfig(ctx, a.ConfigDir, func(newCfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(newCfg)
			}
		}); err != nil {
			logger.Log.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	// 先停定时任务，再排空事件队列
	<-a.cron.Stop().Done()
	a.Bus.Close()
	cancel()

	if a.tracer != nil {
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}

	logger.Log.Info("Server exiting")
}
