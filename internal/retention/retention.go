// Package retention 定期清理已完成和永久失败的登记记录。
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"expirebot/backend/internal/config"
	"expirebot/backend/internal/monitoring"
	"expirebot/backend/internal/storage"
)

// Pruner 删除更新时间早于保留期的终态记录
type Pruner struct {
	store   storage.TrackedMessageRepository
	history time.Duration
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewPruner 创建清理器
func NewPruner(store storage.TrackedMessageRepository, history time.Duration, metrics *monitoring.Metrics) *Pruner {
	if history <= 0 {
		history = 7 * 24 * time.Hour
	}
	return &Pruner{store: store, history: history, metrics: metrics, now: time.Now}
}

// Prune 执行一次清理，返回删除数量
//
// pending 与 in_flight 记录不会被删除。
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.now().UTC().Add(-p.history)
	deleted, err := p.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete finished messages: %w", err)
	}

	if counts, err := p.store.CountTrackedByState(ctx); err == nil {
		p.metrics.UpdateTrackedByState(counts)
	}
	return deleted, nil
}

// Scheduler 按 cron 表达式运行清理
type Scheduler struct {
	pruner   *Pruner
	schedule string
	cron     *cron.Cron
	log      *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler 创建清理调度器
func NewScheduler(pruner *Pruner, cfg config.RetentionConfig, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		pruner:   pruner,
		schedule: cfg.Schedule,
		cron:     cron.New(),
		log:      log,
	}
}

// Start 校验 cron 表达式并开始调度，ctx 结束时自动停止
//
// 表达式为空时不做任何事。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.log.Info("retention schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.log.Info("retention scheduler started",
		zap.String("schedule", s.schedule),
		zap.Duration("history", s.pruner.history),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	deleted, err := s.pruner.Prune(ctx)
	if err != nil {
		s.log.Error("scheduled retention failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.log.Info("scheduled retention completed", zap.Int("deleted", deleted))
	} else {
		s.log.Debug("scheduled retention completed, no records deleted")
	}
}

// Stop 停止调度并等待正在执行的清理结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.log.Info("retention scheduler stopped")
	}
}

// IsRunning 是否在运行
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun 下一次清理时间
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
