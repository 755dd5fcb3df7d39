package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"expirebot/backend/internal/domain"
)

// 通用错误消息
const (
	MsgInvalidRequest  = "invalid request body"
	MsgInvalidEvent    = "roomId, messageId and originTimestamp are required"
	MsgInvalidDuration = "invalid duration"
	MsgPolicyNotFound  = "no policy configured"
	MsgMessageNotFound = "tracked message not found"
	MsgUnknownCommand  = "unknown command"
	MsgStorageFailed   = "storage unavailable, please retry later"
	MsgInternalError   = "internal server error"
)

// 业务错误 -> HTTP 状态码与提示
var errorStatus = []struct {
	err  error
	code int
	msg  string
}{
	{domain.ErrInvalidDuration, http.StatusBadRequest, MsgInvalidDuration},
	{domain.ErrInvalidEvent, http.StatusBadRequest, MsgInvalidEvent},
	{domain.ErrUnknownCommand, http.StatusBadRequest, MsgUnknownCommand},
	{domain.ErrPermissionDenied, http.StatusForbidden, "permission denied"},
	{domain.ErrPolicyNotFound, http.StatusNotFound, MsgPolicyNotFound},
	{domain.ErrTrackedMessageNotFound, http.StatusNotFound, MsgMessageNotFound},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid state transition"},
}

// GetErrorMessage 获取错误的提示信息
func GetErrorMessage(err error) string {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.msg
		}
	}
	return err.Error()
}

// respondError 根据错误类型写入响应，未知错误视为存储不可用
func respondError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			Error(c, e.code, e.msg)
			return
		}
	}
	_ = c.Error(err)
	ServiceUnavailable(c, MsgStorageFailed)
}
