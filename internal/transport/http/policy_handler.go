package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/middleware"
	"expirebot/backend/internal/scheduler"
)

type policyResponse struct {
	RoomID      string    `json:"roomId"`
	Enabled     bool      `json:"enabled"`
	Duration    string    `json:"duration"`
	Seconds     int64     `json:"durationSeconds"`
	Description string    `json:"description"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toPolicyResponse(p *domain.RoomPolicy) policyResponse {
	return policyResponse{
		RoomID:      p.RoomID,
		Enabled:     p.Enabled,
		Duration:    domain.FormatDuration(p.Duration()),
		Seconds:     p.DurationSeconds,
		Description: p.Describe(),
		UpdatedBy:   p.UpdatedBy,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type policyListResponse struct {
	Items []policyResponse `json:"items"`
	Count int              `json:"count"`
}

// listPolicies 列出全部房间策略
func (h *Handler) listPolicies(c *gin.Context) {
	policies, err := h.policies.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]policyResponse, 0, len(policies))
	for i := range policies {
		items = append(items, toPolicyResponse(&policies[i]))
	}
	Success(c, policyListResponse{Items: items, Count: len(items)})
}

// getPolicy 获取房间策略
func (h *Handler) getPolicy(c *gin.Context) {
	policy, err := h.policies.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, toPolicyResponse(policy))
}

type setPolicyRequest struct {
	Duration string `json:"duration" binding:"required"`
}

// putPolicy 设置房间消息过期时长，等价于房间内的 set 命令
func (h *Handler) putPolicy(c *gin.Context) {
	var req setPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	policy, err := h.policies.Set(c.Request.Context(), c.Param("roomId"), req.Duration, operator(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, toPolicyResponse(policy))
}

// deletePolicy 关闭房间策略，等价于房间内的 unset 命令
func (h *Handler) deletePolicy(c *gin.Context) {
	changed, err := h.policies.Unset(c.Request.Context(), c.Param("roomId"), operator(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"changed": changed})
}

type messageListResponse struct {
	Items []domain.TrackedMessage `json:"items"`
	Count int                     `json:"count"`
}

// listMessages 列出房间内登记的消息
func (h *Handler) listMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}

	messages, err := h.tracker.ListByRoom(c.Request.Context(), c.Param("roomId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []domain.TrackedMessage{}
	}
	Success(c, messageListResponse{Items: messages, Count: len(messages)})
}

// getMessage 获取单条登记消息
func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.tracker.Get(c.Request.Context(), domain.MessageRef{
		RoomID:    c.Param("roomId"),
		MessageID: c.Param("messageId"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, msg)
}

type schedulerResponse struct {
	scheduler.Status
	Counts map[domain.MessageState]int `json:"counts"`
}

// schedulerStatus 调度器状态与各状态消息数量
func (h *Handler) schedulerStatus(c *gin.Context) {
	stats, err := h.tracker.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := schedulerResponse{Counts: stats.Counts}
	if h.scheduler != nil {
		resp.Status = h.scheduler.Status()
	}
	Success(c, resp)
}

// operator 当前请求的操作者，记录到策略的 UpdatedBy
func operator(c *gin.Context) string {
	if subject := c.GetString(middleware.ContextSubject); subject != "" {
		return "api:" + subject
	}
	return "api"
}
