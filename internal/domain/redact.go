package domain

import "time"

// RedactOutcome 协议客户端执行删除后的结果分类
type RedactOutcome string

const (
	OutcomeSuccess        RedactOutcome = "success"
	OutcomeNotFound       RedactOutcome = "not_found"
	OutcomeRateLimited    RedactOutcome = "rate_limited"
	OutcomeForbidden      RedactOutcome = "forbidden"
	OutcomeTransientError RedactOutcome = "transient_error"
)

// RedactResult 删除结果
type RedactResult struct {
	Outcome    RedactOutcome
	RetryAfter time.Duration // 协议给出的最短等待时间，可为 0
	Detail     string
}

// Retryable 结果是否需要重试
func (r RedactResult) Retryable() bool {
	return r.Outcome == OutcomeRateLimited || r.Outcome == OutcomeTransientError
}

// Completed 结果是否视为已删除
func (r RedactResult) Completed() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeNotFound
}
