package httptransport

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/service"
)

type messageEventRequest struct {
	RoomID          string     `json:"roomId" binding:"required"`
	MessageID       string     `json:"messageId" binding:"required"`
	SenderID        string     `json:"senderId"`
	Kind            string     `json:"kind" binding:"required"`
	OriginTimestamp *time.Time `json:"originTimestamp"`
	OriginServerTS  int64      `json:"originServerTs"` // 毫秒
}

type trackResponse struct {
	Tracked    bool       `json:"tracked"`
	Duplicate  bool       `json:"duplicate,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	SkipReason string     `json:"skipReason,omitempty"`
}

// postEvent 投递一条入站消息事件，相当于协议客户端收到一条房间消息
func (h *Handler) postEvent(c *gin.Context) {
	var req messageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ev := domain.MessageEvent{
		RoomID:    req.RoomID,
		MessageID: req.MessageID,
		SenderID:  req.SenderID,
		Kind:      domain.MessageKind(strings.TrimPrefix(strings.ToLower(req.Kind), "m.")),
	}
	switch {
	case req.OriginTimestamp != nil:
		ev.OriginTimestamp = req.OriginTimestamp.UTC()
	case req.OriginServerTS > 0:
		ev.OriginTimestamp = time.UnixMilli(req.OriginServerTS).UTC()
	}
	if err := ev.Validate(); err != nil {
		respondError(c, err)
		return
	}

	result, err := h.expiry.OnMessageEvent(c.Request.Context(), ev)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := trackResponse{
		Tracked:    result.Tracked,
		Duplicate:  result.Duplicate,
		SkipReason: result.SkipReason,
	}
	if !result.Deadline.IsZero() {
		deadline := result.Deadline
		resp.Deadline = &deadline
	}
	Accepted(c, resp)
}

type commandRequest struct {
	SenderID string `json:"senderId" binding:"required"`
	Text     string `json:"text"`
	Command  string `json:"command"`
	Args     string `json:"args"`
}

type commandResponse struct {
	Command   string `json:"command"`
	Result    string `json:"result"`
	Reply     string `json:"reply"`
	Delivered bool   `json:"delivered"`
}

// postCommand 以房间成员身份执行 expire 命令，回复会发回房间
//
// 可以直接给出原始文本（text），也可以给出已拆分的 command/args。
func (h *Handler) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	cmd := domain.CommandRequest{
		RoomID:   c.Param("roomId"),
		SenderID: req.SenderID,
		Command:  req.Command,
		Args:     req.Args,
	}
	if req.Text != "" {
		parsed, ok := service.ParseCommand(req.Text, service.DefaultPrefixes...)
		if !ok {
			BadRequest(c, MsgUnknownCommand)
			return
		}
		cmd.Command = parsed.Command
		cmd.Args = parsed.Args
	}
	if cmd.Command == "" {
		BadRequest(c, MsgUnknownCommand)
		return
	}

	reply, err := h.commands.OnCommand(c.Request.Context(), cmd)
	if err != nil {
		h.log.Warn("command reply not delivered",
			zap.String("room_id", cmd.RoomID),
			zap.Error(err),
		)
	}
	Success(c, commandResponse{
		Command:   reply.Command,
		Result:    reply.Result,
		Reply:     reply.Text,
		Delivered: err == nil,
	})
}
