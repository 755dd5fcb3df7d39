package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"expirebot/backend/internal/domain"
)

// Metrics 监控指标
//
// 所有 Record/Update 方法都允许在 nil 接收者上调用，
// 便于在测试中省略指标。
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 登记指标
	MessagesTracked prometheus.Counter
	MessagesSkipped *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec

	// 调度指标
	IndexSize        prometheus.Gauge
	SchedulerWakeups prometheus.Counter
	BatchSize        prometheus.Histogram
	RedactionLag     prometheus.Histogram
	StorageFailures  prometheus.Counter

	// 删除指标
	Redactions        *prometheus.CounterVec
	RedactionRetries  prometheus.Counter
	PermanentFailures prometheus.Counter
	TrackedByState    *prometheus.GaugeVec

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标并注册到 reg
//
// reg 为 nil 时使用独立的注册表，避免重复注册到全局默认注册表。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirebot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "expirebot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesTracked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expirebot_messages_tracked_total",
				Help: "Total number of messages registered for expiration",
			},
		),

		MessagesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirebot_messages_skipped_total",
				Help: "Inbound messages that were not registered, by reason",
			},
			[]string{"reason"},
		),

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirebot_commands_total",
				Help: "Room commands handled, by command and result",
			},
			[]string{"command", "result"},
		),

		IndexSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "expirebot_deadline_index_size",
				Help: "Number of entries waiting in the deadline index",
			},
		),

		SchedulerWakeups: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expirebot_scheduler_wakeups_total",
				Help: "Number of times the scheduler loop woke up to drain due entries",
			},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "expirebot_scheduler_batch_size",
				Help:    "Number of due entries drained per wakeup",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		RedactionLag: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "expirebot_redaction_lag_seconds",
				Help:    "Delay between a message deadline and its successful redaction",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),

		StorageFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expirebot_storage_failures_total",
				Help: "Storage operations that failed inside the scheduler",
			},
		),

		Redactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expirebot_redactions_total",
				Help: "Redaction attempts by outcome",
			},
			[]string{"outcome"},
		),

		RedactionRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expirebot_redaction_retries_total",
				Help: "Redactions rescheduled after a retryable failure",
			},
		),

		PermanentFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expirebot_redaction_permanent_failures_total",
				Help: "Messages that ended in failed_permanent",
			},
		),

		TrackedByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "expirebot_tracked_messages",
				Help: "Tracked messages currently stored, by state",
			},
			[]string{"state"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expirebot_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordTracked 记录一条新登记的消息
func (m *Metrics) RecordTracked() {
	if m == nil {
		return
	}
	m.MessagesTracked.Inc()
}

// RecordSkipped 记录未登记的消息
func (m *Metrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.MessagesSkipped.WithLabelValues(reason).Inc()
}

// RecordCommand 记录命令处理结果
func (m *Metrics) RecordCommand(command, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
}

// RecordWakeup 记录一次调度唤醒及本次批量大小
func (m *Metrics) RecordWakeup(batch int) {
	if m == nil {
		return
	}
	m.SchedulerWakeups.Inc()
	m.BatchSize.Observe(float64(batch))
}

// UpdateIndexSize 更新索引大小
func (m *Metrics) UpdateIndexSize(n int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(n))
}

// RecordStorageFailure 记录调度器内的存储失败
func (m *Metrics) RecordStorageFailure() {
	if m == nil {
		return
	}
	m.StorageFailures.Inc()
}

// RecordRedaction 记录一次删除尝试的结果
func (m *Metrics) RecordRedaction(outcome domain.RedactOutcome) {
	if m == nil {
		return
	}
	m.Redactions.WithLabelValues(string(outcome)).Inc()
}

// RecordRedactionLag 记录截止时间到成功删除之间的延迟
func (m *Metrics) RecordRedactionLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.RedactionLag.Observe(lag.Seconds())
}

// RecordRetry 记录一次重试调度
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RedactionRetries.Inc()
}

// RecordPermanentFailure 记录永久失败
func (m *Metrics) RecordPermanentFailure() {
	if m == nil {
		return
	}
	m.PermanentFailures.Inc()
}

// UpdateTrackedByState 更新各状态的消息数量
func (m *Metrics) UpdateTrackedByState(counts map[domain.MessageState]int) {
	if m == nil {
		return
	}
	for _, s := range []domain.MessageState{domain.StatePending, domain.StateInFlight, domain.StateDone, domain.StateFailedPermanent} {
		m.TrackedByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
