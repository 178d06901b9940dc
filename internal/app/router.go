package app

import (
	"course_access_backend/docs"
	"course_access_backend/internal/config"
	"course_access_backend/internal/middleware"
	"course_access_backend/internal/model"
	"course_access_backend/pkg/monitoring"
	"course_access_backend/pkg/security"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, s *services, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c, cfg)

	// 2. 需要登录的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(&cfg.Session, s.sessions, s.roles))
	{
		a.registerStudentRoutes(authGroup, c, cfg)

		// 教师相关接口
		a.registerTeacherRoutes(authGroup, c)
	}

	// 3. 管理员相关接口
	a.registerAdminRoutes(router, c, s, cfg)
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	// 登录/注册单独按 IP 收紧，防撞库
	credentials := security.NewLimiter(cfg.RateLimit.LoginMaxRequests, time.Minute).Middleware(security.ByIP)

	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", credentials, c.auth.Register)
		public.POST("/login", credentials, c.auth.Login)
		public.POST("/logout", c.auth.Logout)

		// 证书公开校验
		public.GET("/certificates/verify/:number", c.certificate.Verify)

		// 支付回调依靠签名鉴权
		public.POST("/billing/webhook", c.billing.Webhook)
	}
}

func (a *App) registerStudentRoutes(group *gin.RouterGroup, c *controllers, cfg *config.Config) {
	// 播放进度按用户限流，播放器上报过密时返回 429，客户端本地缓存稍后重试
	checkpoints := security.NewLimiter(cfg.RateLimit.CheckpointPerMinute, time.Minute).Middleware(security.ByUser)

	group.GET("/me", c.auth.Me)

	courses := group.Group("/courses/:courseId")
	{
		courses.GET("/access", c.course.CheckAccess)
		courses.GET("/outline", c.course.GetOutline)
		courses.GET("/lessons/:lessonId", c.course.GetLesson)
		courses.POST("/enroll", c.enrollment.Enroll)
		courses.GET("/enrollment", c.enrollment.GetMyEnrollment)
		courses.POST("/certificate", c.certificate.Claim)
	}

	group.GET("/enrollments", c.enrollment.ListMyEnrollments)
	group.GET("/certificates", c.certificate.ListMine)

	progress := group.Group("/progress")
	{
		progress.POST("/checkpoint", checkpoints, c.progress.SaveCheckpoint)
		progress.GET("/:courseId", c.progress.GetCourseProgress)
	}
}

func (a *App) registerTeacherRoutes(group *gin.RouterGroup, c *controllers) {
	teacher := group.Group("/teacher")
	teacher.Use(middleware.RoleMiddleware(model.Teacher))
	{
		teacher.POST("/courses", c.course.CreateCourse)
		teacher.PATCH("/courses/:courseId", c.course.UpdateCourse)
		teacher.POST("/courses/:courseId/modules", c.course.CreateModule)
		teacher.POST("/courses/:courseId/lessons", c.course.CreateLesson)
	}
}

func (a *App) registerAdminRoutes(router *gin.Engine, c *controllers, s *services, cfg *config.Config) {
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(&cfg.Session, s.sessions, s.roles), middleware.RoleMiddleware(model.Admin))
	{
		enrollments := admin.Group("/enrollments")
		{
			enrollments.GET("", c.admin.ListEnrollments)
			enrollments.POST("/grant", c.admin.GrantEnrollment)
			enrollments.POST("/:id/approve", c.admin.ApproveEnrollment)
			enrollments.PUT("/:id/status", c.admin.SetEnrollmentStatus)
			enrollments.PUT("/:id/access-until", c.admin.SetAccessUntil)
		}

		admin.POST("/certificates/:id/revoke", c.admin.RevokeCertificate)
		admin.GET("/audit-logs", c.admin.ListAuditLogs)

		progress := admin.Group("/progress")
		{
			progress.POST("/backfill", c.admin.RunBackfill)
			progress.POST("/:userId/:courseId/recalculate", c.admin.RecalculateEnrollment)
		}

		admin.POST("/migrations/enrollment-ids", c.admin.MigrateEnrollmentIDs)
		admin.PUT("/users/:id/role", c.admin.SetUserRole)
	}
}
