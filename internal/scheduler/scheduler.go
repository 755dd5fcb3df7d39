// Package scheduler 实现到期索引、唤醒循环和删除分发。
//
// Scheduler 是进程内唯一的调度协程：它持有到期索引和唤醒定时器，
// 每次唤醒把所有到期项作为一个批次交给 BatchHandler（通常是 Dispatcher）。
// 入站消息通过 Schedule 并发写入索引，如果新项成为最早到期项，定时器立即重新设置。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/monitoring"
)

// ErrStorageUnavailable 存储持续不可用，调度器无法继续保证删除
var ErrStorageUnavailable = errors.New("storage unavailable")

// Source 重建索引所需的持久化数据源
type Source interface {
	RecoverInFlight(ctx context.Context) (int, error)
	ListPending(ctx context.Context) ([]domain.TrackedMessage, error)
}

// BatchHandler 处理一次唤醒取出的全部到期项
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch []Entry)
}

// BatchHandlerFunc 函数适配器
type BatchHandlerFunc func(ctx context.Context, batch []Entry)

// HandleBatch 实现 BatchHandler
func (f BatchHandlerFunc) HandleBatch(ctx context.Context, batch []Entry) {
	f(ctx, batch)
}

// Options 调度参数
type Options struct {
	// StorageRetryInterval 存储失败后的重试间隔
	StorageRetryInterval time.Duration
	// MaxStorageFailures 连续失败次数达到该值时 Run 返回 ErrStorageUnavailable
	MaxStorageFailures int
}

func (o *Options) withDefaults() {
	if o.StorageRetryInterval <= 0 {
		o.StorageRetryInterval = 5 * time.Second
	}
	if o.MaxStorageFailures <= 0 {
		o.MaxStorageFailures = 10
	}
}

// Scheduler 到期调度器
type Scheduler struct {
	source  Source
	opts    Options
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	index    *Index
	nextWake time.Time
	failures int

	wake    chan struct{}
	fatal   chan error
	running atomic.Bool
}

// New 创建调度器
func New(source Source, opts Options, log *zap.Logger, metrics *monitoring.Metrics) *Scheduler {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		source:  source,
		opts:    opts,
		log:     log,
		metrics: metrics,
		index:   NewIndex(),
		wake:    make(chan struct{}, 1),
		fatal:   make(chan error, 1),
	}
}

// Schedule 把消息放入到期索引
//
// 可在任意协程调用。新项成为最早到期项时唤醒调度循环以重新设置定时器。
func (s *Scheduler) Schedule(ref domain.MessageRef, due time.Time) {
	s.mu.Lock()
	s.index.Push(ref, due)
	head, _ := s.index.Peek()
	rearm := head.Ref == ref && (s.nextWake.IsZero() || due.Before(s.nextWake))
	size := s.index.Len()
	s.mu.Unlock()

	s.metrics.UpdateIndexSize(size)
	if rearm {
		s.signal()
	}
}

// Run 恢复状态并运行调度循环，直到 ctx 结束或存储持续不可用
func (s *Scheduler) Run(ctx context.Context, handler BatchHandler) error {
	if err := s.rebuild(ctx); err != nil {
		return err
	}

	s.running.Store(true)
	defer s.running.Store(false)
	s.log.Info("scheduler started", zap.Int("pending", s.Len()))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		s.mu.Lock()
		head, ok := s.index.Peek()
		if ok {
			s.nextWake = head.Due
		} else {
			s.nextWake = time.Time{}
		}
		s.mu.Unlock()

		if ok {
			timer.Reset(max(time.Until(head.Due), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case err := <-s.fatal:
			s.log.Error("scheduler aborted", zap.Error(err))
			return err
		case <-s.wake:
			timer.Stop()
		case <-timerC:
			s.drain(ctx, handler)
		}
	}
}

// drain 取出全部到期项并作为一个批次交给 handler
func (s *Scheduler) drain(ctx context.Context, handler BatchHandler) {
	s.mu.Lock()
	batch := s.index.PopDue(time.Now())
	size := s.index.Len()
	s.mu.Unlock()

	s.metrics.UpdateIndexSize(size)
	if len(batch) == 0 {
		return
	}
	s.metrics.RecordWakeup(len(batch))
	s.log.Debug("dispatching due batch", zap.Int("size", len(batch)), zap.Int("remaining", size))
	handler.HandleBatch(ctx, batch)
}

// rebuild 重置 in_flight 消息并从持久化数据重建索引
//
// 存储失败时按间隔重试，连续失败达到上限后返回 ErrStorageUnavailable。
func (s *Scheduler) rebuild(ctx context.Context) error {
	var pending []domain.TrackedMessage
	for attempt := 1; ; attempt++ {
		err := s.load(ctx, &pending)
		if err == nil {
			break
		}
		s.metrics.RecordStorageFailure()
		s.log.Warn("failed to load pending messages",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt >= s.opts.MaxStorageFailures {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.StorageRetryInterval):
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i].DueAt(), pending[j].DueAt()
		if a.Equal(b) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return a.Before(b)
	})

	s.mu.Lock()
	for i := range pending {
		s.index.Push(pending[i].Ref(), pending[i].DueAt())
	}
	size := s.index.Len()
	s.mu.Unlock()

	s.metrics.UpdateIndexSize(size)
	s.log.Info("deadline index rebuilt", zap.Int("pending", len(pending)))
	return nil
}

func (s *Scheduler) load(ctx context.Context, out *[]domain.TrackedMessage) error {
	if _, err := s.source.RecoverInFlight(ctx); err != nil {
		return err
	}
	pending, err := s.source.ListPending(ctx)
	if err != nil {
		return err
	}
	*out = pending
	return nil
}

// ReportStorageFailure 记录一次存储失败，连续失败达到上限时终止调度循环
//
// 返回 true 表示已经上报为致命错误。
func (s *Scheduler) ReportStorageFailure(err error) bool {
	s.metrics.RecordStorageFailure()

	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()

	s.log.Warn("storage operation failed", zap.Int("consecutive", n), zap.Error(err))
	if n < s.opts.MaxStorageFailures {
		return false
	}
	select {
	case s.fatal <- fmt.Errorf("%w after %d consecutive failures: %v", ErrStorageUnavailable, n, err):
	default:
	}
	return true
}

// StorageFailed 记录失败并在重试间隔后重新调度该消息
func (s *Scheduler) StorageFailed(ref domain.MessageRef, err error) {
	if s.ReportStorageFailure(err) {
		return
	}
	s.Schedule(ref, time.Now().Add(s.opts.StorageRetryInterval))
}

// StorageRecovered 存储操作成功，清零连续失败计数
func (s *Scheduler) StorageRecovered() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// RetryInterval 存储失败后的重试间隔
func (s *Scheduler) RetryInterval() time.Duration {
	return s.opts.StorageRetryInterval
}

// NextWake 当前定时器的唤醒时间，索引为空时为零值
func (s *Scheduler) NextWake() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextWake
}

// Len 索引大小
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// Overdue 已到期但尚未取出的数量
func (s *Scheduler) Overdue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.CountDue(time.Now())
}

// Snapshot 按到期顺序返回索引内容
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Snapshot()
}

// Running 调度循环是否在运行
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Status 调度器状态摘要
type Status struct {
	Running  bool       `json:"running"`
	Pending  int        `json:"pending"`
	Overdue  int        `json:"overdue"`
	NextWake *time.Time `json:"nextWake,omitempty"`
}

// Status 返回调度器状态
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running: s.running.Load(),
		Pending: s.index.Len(),
		Overdue: s.index.CountDue(time.Now()),
	}
	if !s.nextWake.IsZero() {
		next := s.nextWake
		st.NextWake = &next
	}
	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
