package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"expirebot/backend/internal/chat"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/monitoring"
)

// 子命令
const (
	CommandSet   = "set"
	CommandUnset = "unset"
	CommandShow  = "show"
	CommandHelp  = "help"
)

// 回复文本
const (
	helpText = "Available subcommands:\n" +
		"  !expire set <time> - Set expiration time (e.g. !expire set 24h)\n" +
		"  !expire unset - Disable message expiration\n" +
		"  !expire show - Show current expiration settings"

	permissionDeniedFormat = "Only users with PL of %d or higher can set message expiration."
	setSuccessFormat       = "Message expiration for this room set to %s"
	parseErrorFormat       = "Error parsing duration: %v"
	setFailedText          = "Failed to update room expiration settings. Please try again later."
	unsetSuccessText       = "Message expiration for this room has been disabled. All tracked messages will be preserved."
	unsetFailedText        = "Failed to disable room expiration. Please try again later."
	showFailedText         = "Failed to fetch room expiration settings. Please try again later."
	permissionFailedText   = "Failed to check your permissions. Please try again later."
)

// DefaultPrefixes 未配置前缀时识别的命令前缀
var DefaultPrefixes = []string{"!expire", "/expire"}

// CommandReply 命令执行结果
type CommandReply struct {
	Command string `json:"command"`
	Text    string `json:"text"`
	Result  string `json:"result"` // ok / denied / invalid / error
}

// ParseCommand 解析 "<prefix> <sub> [args]" 形式的命令文本
//
// 只有前缀本身时返回 help；不是命令时 ok 为 false。
func ParseCommand(text string, prefixes ...string) (domain.CommandRequest, bool) {
	text = strings.TrimSpace(text)
	for _, prefix := range prefixes {
		if prefix == "" || !strings.HasPrefix(text, prefix) {
			continue
		}
		rest := text[len(prefix):]
		// "!expired" 之类不是命令
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' && rest[0] != '@' {
			continue
		}
		// Telegram 群组中的 "/expire@botname set 1h"
		if strings.HasPrefix(rest, "@") {
			if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
				rest = rest[i:]
			} else {
				rest = ""
			}
		}

		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return domain.CommandRequest{Command: CommandHelp}, true
		}
		req := domain.CommandRequest{Command: strings.ToLower(fields[0])}
		if len(fields) > 1 {
			req.Args = strings.Join(fields[1:], " ")
		}
		return req, true
	}
	return domain.CommandRequest{}, false
}

// CommandService 处理房间内的 expire 命令
//
// 所有用户可见的错误都会转换为回复文本，不会静默失败。
type CommandService struct {
	policies    *PolicyService
	permissions chat.PermissionChecker
	replier     chat.Replier
	redactLevel int
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// NewCommandService 创建命令服务
//
// redactLevel 仅用于拒绝时的提示文本，实际判断由 permissions 完成。
func NewCommandService(policies *PolicyService, permissions chat.PermissionChecker, replier chat.Replier, redactLevel int, metrics *monitoring.Metrics, log *zap.Logger) *CommandService {
	if redactLevel <= 0 {
		redactLevel = chat.DefaultRedactLevel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandService{
		policies:    policies,
		permissions: permissions,
		replier:     replier,
		redactLevel: redactLevel,
		metrics:     metrics,
		log:         log,
	}
}

// OnCommand 执行命令并把结果回复到房间
func (s *CommandService) OnCommand(ctx context.Context, req domain.CommandRequest) (*CommandReply, error) {
	reply := s.Execute(ctx, req)
	if s.replier == nil {
		return reply, nil
	}
	if err := s.replier.Reply(ctx, req.RoomID, reply.Text); err != nil {
		s.log.Error("failed to send command reply",
			zap.String("room_id", req.RoomID),
			zap.String("command", req.Command),
			zap.Error(err),
		)
		return reply, fmt.Errorf("send reply: %w", err)
	}
	return reply, nil
}

// Execute 执行命令并返回回复文本，不发送
func (s *CommandService) Execute(ctx context.Context, req domain.CommandRequest) *CommandReply {
	var reply *CommandReply
	switch strings.ToLower(req.Command) {
	case CommandSet:
		reply = s.set(ctx, req)
	case CommandUnset:
		reply = s.unset(ctx, req)
	case CommandShow:
		reply = s.show(ctx, req)
	default:
		reply = &CommandReply{Command: CommandHelp, Text: helpText, Result: "ok"}
	}
	s.metrics.RecordCommand(reply.Command, reply.Result)
	return reply
}

func (s *CommandService) set(ctx context.Context, req domain.CommandRequest) *CommandReply {
	if denied := s.authorize(ctx, CommandSet, req); denied != nil {
		return denied
	}

	timeArg := strings.TrimSpace(req.Args)
	if timeArg == "" {
		return &CommandReply{Command: CommandSet, Text: helpText, Result: "invalid"}
	}

	_, err := s.policies.Set(ctx, req.RoomID, timeArg, req.SenderID)
	switch {
	case err == nil:
		return &CommandReply{Command: CommandSet, Text: fmt.Sprintf(setSuccessFormat, timeArg), Result: "ok"}
	case errors.Is(err, domain.ErrInvalidDuration):
		return &CommandReply{Command: CommandSet, Text: fmt.Sprintf(parseErrorFormat, err), Result: "invalid"}
	default:
		s.log.Error("failed to set room policy", zap.String("room_id", req.RoomID), zap.Error(err))
		return &CommandReply{Command: CommandSet, Text: setFailedText, Result: "error"}
	}
}

func (s *CommandService) unset(ctx context.Context, req domain.CommandRequest) *CommandReply {
	if denied := s.authorize(ctx, CommandUnset, req); denied != nil {
		return denied
	}

	if _, err := s.policies.Unset(ctx, req.RoomID, req.SenderID); err != nil {
		s.log.Error("failed to disable room policy", zap.String("room_id", req.RoomID), zap.Error(err))
		return &CommandReply{Command: CommandUnset, Text: unsetFailedText, Result: "error"}
	}
	return &CommandReply{Command: CommandUnset, Text: unsetSuccessText, Result: "ok"}
}

func (s *CommandService) show(ctx context.Context, req domain.CommandRequest) *CommandReply {
	policy, err := s.policies.Get(ctx, req.RoomID)
	switch {
	case err == nil:
		return &CommandReply{Command: CommandShow, Text: policy.Describe(), Result: "ok"}
	case errors.Is(err, domain.ErrPolicyNotFound):
		return &CommandReply{Command: CommandShow, Text: domain.ErrPolicyNotFound.Error(), Result: "ok"}
	default:
		s.log.Error("failed to fetch room policy", zap.String("room_id", req.RoomID), zap.Error(err))
		return &CommandReply{Command: CommandShow, Text: showFailedText, Result: "error"}
	}
}

// authorize 检查发送者权限，不满足时返回拒绝回复
func (s *CommandService) authorize(ctx context.Context, command string, req domain.CommandRequest) *CommandReply {
	if s.permissions == nil {
		return nil
	}

	ok, err := s.permissions.CanManage(ctx, req.RoomID, req.SenderID)
	if err != nil {
		s.log.Warn("permission check failed",
			zap.String("room_id", req.RoomID),
			zap.String("sender_id", req.SenderID),
			zap.Error(err),
		)
		return &CommandReply{Command: command, Text: permissionFailedText, Result: "error"}
	}
	if !ok {
		s.log.Info("command rejected",
			zap.String("room_id", req.RoomID),
			zap.String("sender_id", req.SenderID),
			zap.String("command", command),
			zap.Error(domain.ErrPermissionDenied),
		)
		return &CommandReply{Command: command, Text: fmt.Sprintf(permissionDeniedFormat, s.redactLevel), Result: "denied"}
	}
	return nil
}
