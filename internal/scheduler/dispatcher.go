package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"expirebot/backend/internal/chat"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/monitoring"
	"expirebot/backend/internal/pool"
	"expirebot/backend/internal/service"
)

// DispatcherOptions 删除分发参数
type DispatcherOptions struct {
	// MaxRetries 首次尝试之外允许的重试次数，超过后进入 failed_permanent
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Reason        string
	RedactTimeout time.Duration
}

func (o *DispatcherOptions) withDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.Reason == "" {
		o.Reason = "Message expired"
	}
	if o.RedactTimeout <= 0 {
		o.RedactTimeout = 30 * time.Second
	}
}

// Backoff 第 attempts 次尝试失败后的等待时间：base * 2^(attempts-1)，不超过 limit
func Backoff(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// Dispatcher 对到期消息执行删除并根据结果推进状态
type Dispatcher struct {
	tracker  *service.TrackerService
	redactor chat.Redactor
	pool     *pool.WorkerPool
	sched    *Scheduler
	opts     DispatcherOptions
	limiter  *rate.Limiter
	notifier service.Notifier
	log      *zap.Logger
	metrics  *monitoring.Metrics

	wg sync.WaitGroup
}

// NewDispatcher 创建分发器
//
// workers 为 nil 时在调度协程内同步处理；limiter 为 nil 时不限速。
func NewDispatcher(
	tracker *service.TrackerService,
	redactor chat.Redactor,
	workers *pool.WorkerPool,
	sched *Scheduler,
	opts DispatcherOptions,
	limiter *rate.Limiter,
	log *zap.Logger,
	metrics *monitoring.Metrics,
) *Dispatcher {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		tracker:  tracker,
		redactor: redactor,
		pool:     workers,
		sched:    sched,
		opts:     opts,
		limiter:  limiter,
		notifier: service.MultiNotifier{},
		log:      log,
		metrics:  metrics,
	}
}

// SetNotifier 设置删除结果通知
func (d *Dispatcher) SetNotifier(n service.Notifier) {
	if n == nil {
		n = service.MultiNotifier{}
	}
	d.notifier = n
}

// HandleBatch 实现 BatchHandler，把批次中的每一项提交给协程池
func (d *Dispatcher) HandleBatch(ctx context.Context, batch []Entry) {
	for _, e := range batch {
		ref := e.Ref
		if d.pool == nil {
			d.Dispatch(ctx, ref)
			continue
		}

		d.wg.Add(1)
		err := d.pool.Submit(ctx, func() {
			defer d.wg.Done()
			d.Dispatch(ctx, ref)
		})
		if err != nil {
			d.wg.Done()
			// 消息仍为 pending，重启后从存储恢复
			d.log.Debug("dispatch not submitted", zap.String("ref", ref.String()), zap.Error(err))
		}
	}
}

// Wait 等待已提交的删除任务结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch 处理单条到期消息：认领、删除、记录结果
func (d *Dispatcher) Dispatch(ctx context.Context, ref domain.MessageRef) {
	// 关闭过程中排队的任务不再认领，消息保持 pending
	if ctx.Err() != nil {
		return
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	msg, err := d.tracker.Claim(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTrackedMessageNotFound) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		d.sched.StorageFailed(ref, err)
		return
	}
	d.sched.StorageRecovered()

	result := d.redact(ctx, ref)
	d.metrics.RecordRedaction(result.Outcome)

	// 删除调用已经发生，结果必须落盘，不随 ctx 取消
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	// 删除被关闭打断：退回 pending，不计入重试次数，下次启动时重建索引
	if ctx.Err() != nil && !result.Completed() {
		if _, err := d.tracker.Release(persistCtx, ref); err != nil {
			d.log.Warn("interrupted redaction left in flight",
				zap.String("ref", ref.String()),
				zap.Error(err),
			)
			return
		}
		d.log.Info("redaction interrupted by shutdown, released",
			zap.String("ref", ref.String()),
			zap.Int("attempts", msg.Attempts-1),
		)
		return
	}

	switch {
	case result.Completed():
		if d.persist(ctx, ref, func() error {
			_, err := d.tracker.MarkDone(persistCtx, ref)
			return err
		}) {
			d.metrics.RecordRedactionLag(now.Sub(msg.Deadline))
			d.log.Debug("message redacted",
				zap.String("ref", ref.String()),
				zap.String("outcome", string(result.Outcome)),
				zap.Int("attempts", msg.Attempts),
			)
			d.notify(ctx, domain.EventRedacted, msg, result, "")
		}

	case result.Retryable() && msg.Attempts <= d.opts.MaxRetries:
		delay := Backoff(msg.Attempts, d.opts.BaseBackoff, d.opts.MaxBackoff)
		if result.RetryAfter > delay {
			delay = result.RetryAfter
		}
		next := now.Add(delay)
		reason := describe(result)
		if d.persist(ctx, ref, func() error {
			_, err := d.tracker.Reschedule(persistCtx, ref, next, reason)
			return err
		}) {
			d.sched.Schedule(ref, next)
			d.metrics.RecordRetry()
			d.log.Info("redaction retry scheduled",
				zap.String("ref", ref.String()),
				zap.String("outcome", string(result.Outcome)),
				zap.Int("attempts", msg.Attempts),
				zap.Duration("delay", delay),
			)
			d.notify(ctx, domain.EventRetryScheduled, msg, result, reason)
		}

	default:
		reason := describe(result)
		if result.Retryable() {
			reason = fmt.Sprintf("retries exhausted after %d attempts: %s", msg.Attempts, reason)
		}
		if d.persist(ctx, ref, func() error {
			_, err := d.tracker.MarkFailedPermanent(persistCtx, ref, reason)
			return err
		}) {
			d.metrics.RecordPermanentFailure()
			d.log.Warn("redaction failed permanently",
				zap.String("ref", ref.String()),
				zap.String("outcome", string(result.Outcome)),
				zap.Int("attempts", msg.Attempts),
				zap.String("reason", reason),
			)
			d.notify(ctx, domain.EventFailedPermanent, msg, result, reason)
		}
	}
}

// redact 调用协议客户端；无法分类的错误按临时错误处理
func (d *Dispatcher) redact(ctx context.Context, ref domain.MessageRef) domain.RedactResult {
	rctx, cancel := context.WithTimeout(ctx, d.opts.RedactTimeout)
	defer cancel()

	result, err := d.redactor.Redact(rctx, ref.RoomID, ref.MessageID, d.opts.Reason)
	if err != nil {
		return domain.RedactResult{Outcome: domain.OutcomeTransientError, Detail: err.Error()}
	}
	if result.Outcome == "" {
		result.Outcome = domain.OutcomeTransientError
	}
	return result
}

// persist 写入状态迁移，存储失败时按间隔重试，直到成功、ctx 结束或上报致命错误
//
// 放弃时消息停留在 in_flight，下次启动时重置为 pending。
func (d *Dispatcher) persist(ctx context.Context, ref domain.MessageRef, write func() error) bool {
	for {
		err := write()
		if err == nil {
			d.sched.StorageRecovered()
			return true
		}
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTrackedMessageNotFound) {
			d.log.Error("tracked message changed during dispatch", zap.String("ref", ref.String()), zap.Error(err))
			return false
		}
		if d.sched.ReportStorageFailure(err) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.sched.RetryInterval()):
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, typ domain.ExpiryEventType, msg *domain.TrackedMessage, result domain.RedactResult, reason string) {
	deadline := msg.Deadline
	d.notifier.Notify(ctx, domain.ExpiryEvent{
		Type:      typ,
		RoomID:    msg.RoomID,
		MessageID: msg.MessageID,
		Attempts:  msg.Attempts,
		Deadline:  &deadline,
		Outcome:   result.Outcome,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	})
}

func describe(result domain.RedactResult) string {
	if result.Detail != "" {
		return fmt.Sprintf("%s: %s", result.Outcome, result.Detail)
	}
	return string(result.Outcome)
}
