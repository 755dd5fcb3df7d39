package telegram

import (
	"errors"
	"strings"
	"time"

	"github.com/mymmrac/telego/telegoapi"

	"expirebot/backend/internal/domain"
)

// classify 将 Bot API 错误映射为删除结果
//
// Telegram 不区分"消息已删除"和"消息不存在"，两者都按已删除处理；
// 超过 48 小时无法删除、机器人被移出群组、缺少删除权限按永久失败处理。
func classify(err error) domain.RedactResult {
	if err == nil {
		return domain.RedactResult{Outcome: domain.OutcomeSuccess}
	}

	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return domain.RedactResult{Outcome: domain.OutcomeTransientError, Detail: err.Error()}
	}

	desc := strings.ToLower(apiErr.Description)
	result := domain.RedactResult{Detail: apiErr.Description}

	switch {
	case apiErr.ErrorCode == 429:
		result.Outcome = domain.OutcomeRateLimited
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			result.RetryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
	case apiErr.ErrorCode == 403:
		result.Outcome = domain.OutcomeForbidden
	case apiErr.ErrorCode == 400 && strings.Contains(desc, "message to delete not found"):
		result.Outcome = domain.OutcomeNotFound
	case apiErr.ErrorCode == 400 && (strings.Contains(desc, "not enough rights") ||
		strings.Contains(desc, "can't be deleted") ||
		strings.Contains(desc, "chat not found")):
		result.Outcome = domain.OutcomeForbidden
	case apiErr.ErrorCode >= 500:
		result.Outcome = domain.OutcomeTransientError
	case apiErr.ErrorCode == 400 || apiErr.ErrorCode == 401 || apiErr.ErrorCode == 404:
		result.Outcome = domain.OutcomeForbidden
	default:
		result.Outcome = domain.OutcomeTransientError
	}
	return result
}
