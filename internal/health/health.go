package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"expirebot/backend/internal/storage"
)

// ErrSchedulerNotRunning 调度循环尚未启动或已退出
var ErrSchedulerNotRunning = errors.New("scheduler not running")

// SchedulerStatus 调度器运行状态
type SchedulerStatus interface {
	Running() bool
	Overdue() int
}

// HealthChecker 健康检查器
//
// 存活检查只看存储；就绪检查额外要求调度循环在运行。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	sched  SchedulerStatus
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, sched SchedulerStatus, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		sched:  sched,
		logger: logger,
	}

	hc.health.AddLivenessCheck("storage", func() error {
		return hc.store.Health()
	})
	if sched != nil {
		hc.health.AddReadinessCheck("scheduler", SchedulerCheck(sched))
	}
	return hc
}

// AddLivenessCheck 追加存活检查
func (hc *HealthChecker) AddLivenessCheck(name string, check healthcheck.Check) {
	hc.health.AddLivenessCheck(name, check)
}

// AddReadinessCheck 追加就绪检查
func (hc *HealthChecker) AddReadinessCheck(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, check)
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查并返回摘要
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["storage"] = fmt.Sprintf("ERROR: %v", err)
		hc.logger.Warn("storage health check failed", zap.Error(err))
	} else {
		results["storage"] = "OK"
	}

	if hc.sched != nil {
		if hc.sched.Running() {
			results["scheduler"] = "OK"
		} else {
			results["scheduler"] = "NOT_RUNNING"
		}
		results["overdue"] = fmt.Sprintf("%d", hc.sched.Overdue())
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// Healthy 存储与调度器是否都正常
func (hc *HealthChecker) Healthy() bool {
	if hc.store.Health() != nil {
		return false
	}
	return hc.sched == nil || hc.sched.Running()
}

// SchedulerCheck 调度器就绪检查
func SchedulerCheck(sched SchedulerStatus) healthcheck.Check {
	return func() error {
		if !sched.Running() {
			return ErrSchedulerNotRunning
		}
		return nil
	}
}

// DatabaseHealthCheck 数据库健康检查
func DatabaseHealthCheck(db *sql.DB) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return db.PingContext(ctx)
	}
}

// RedisHealthCheck Redis 健康检查
func RedisHealthCheck(client *redis.Client) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return client.Ping(ctx).Err()
	}
}
