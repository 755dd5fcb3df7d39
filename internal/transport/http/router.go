package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "expirebot/backend/internal/auth/jwt"
	"expirebot/backend/internal/config"
	"expirebot/backend/internal/health"
	"expirebot/backend/internal/middleware"
	"expirebot/backend/internal/monitoring"
	"expirebot/backend/internal/scheduler"
	"expirebot/backend/internal/service"
	"expirebot/backend/internal/websocket"
)

// SchedulerStatus 调度器状态来源
type SchedulerStatus interface {
	Status() scheduler.Status
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	policies  *service.PolicyService
	tracker   *service.TrackerService
	expiry    *service.ExpiryService
	commands  *service.CommandService
	scheduler SchedulerStatus
	health    *health.HealthChecker
	log       *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	PolicyService  *service.PolicyService
	TrackerService *service.TrackerService
	ExpiryService  *service.ExpiryService
	CommandService *service.CommandService // 为空时不注册命令端点
	Scheduler      SchedulerStatus
	Health         *health.HealthChecker
	Metrics        *monitoring.Metrics
	JWTManager     *jwtpkg.Manager
	WebSocketHub   *websocket.Hub
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		policies:  deps.PolicyService,
		tracker:   deps.TrackerService,
		expiry:    deps.ExpiryService,
		commands:  deps.CommandService,
		scheduler: deps.Scheduler,
		health:    deps.Health,
		log:       log,
	}
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", handler.healthSummary)
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	v1.Use(jwtAuth.RequireAuth())
	{
		// ========== Event Routes ==========
		v1.POST("/events",
			jwtAuth.RequireAdmin(),
			middleware.ValidateContentType("application/json"),
			handler.postEvent)

		// ========== Room Routes ==========
		v1.GET("/rooms", handler.listPolicies)
		rooms := v1.Group("/rooms/:roomId")
		{
			rooms.GET("/policy", handler.getPolicy)
			rooms.PUT("/policy", jwtAuth.RequireAdmin(), handler.putPolicy)
			rooms.DELETE("/policy", jwtAuth.RequireAdmin(), handler.deletePolicy)
			rooms.GET("/messages", handler.listMessages)
			rooms.GET("/messages/:messageId", handler.getMessage)
			if deps.CommandService != nil {
				rooms.POST("/commands", jwtAuth.RequireAdmin(), handler.postCommand)
			}
		}

		// ========== Scheduler Routes ==========
		v1.GET("/scheduler", handler.schedulerStatus)

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}

func (h *Handler) healthSummary(c *gin.Context) {
	status := http.StatusOK
	if !h.health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h.health.CheckHealth())
}
