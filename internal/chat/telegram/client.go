// Package telegram 基于 Bot API 的协议客户端：接收群组消息、执行删除、回复命令。
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	"go.uber.org/zap"

	"expirebot/backend/internal/cache"
	"expirebot/backend/internal/config"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/service"
)

// Telegram 群组中的权限等级映射
const (
	levelOwner     = 100
	levelModerator = 50
	levelMember    = 0
)

// MessageHandler 入站消息的处理方
type MessageHandler interface {
	OnMessageEvent(ctx context.Context, ev domain.MessageEvent) (service.TrackResult, error)
}

// CommandHandler 命令的处理方
type CommandHandler interface {
	OnCommand(ctx context.Context, req domain.CommandRequest) (*service.CommandReply, error)
}

// Client Telegram 协议客户端
type Client struct {
	bot      *telego.Bot
	cfg      config.TelegramConfig
	log      *zap.Logger
	prefixes []string
	levels   *cache.LocalCache[int]

	messages MessageHandler
	commands CommandHandler
}

// New 创建客户端
func New(cfg config.TelegramConfig, log *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	bot, err := telego.NewBot(cfg.Token, telego.WithLogger(log.Named("telego").Sugar()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bot: %w", err)
	}

	ttl := cfg.PowerCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = "!expire"
	}

	return &Client{
		bot:      bot,
		cfg:      cfg,
		log:      log,
		prefixes: []string{prefix, "/expire"},
		levels:   cache.NewLocalCache[int](10000, ttl),
	}, nil
}

// SetHandlers 设置消息与命令处理方
func (c *Client) SetHandlers(messages MessageHandler, commands CommandHandler) {
	c.messages = messages
	c.commands = commands
}

// Run 通过长轮询接收更新，阻塞到 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	c.log.Info("telegram bot authorized", zap.String("username", me.Username))

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        c.cfg.PollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	bh, err := th.NewBotHandler(c.bot, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}
	bh.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		c.handleMessage(hctx.Context(), message)
		return nil
	})

	go func() {
		<-ctx.Done()
		bh.Stop()
	}()

	// Start 阻塞到 Stop 被调用
	bh.Start()
	c.levels.Close()
	c.log.Info("telegram bot stopped")
	return nil
}

func (c *Client) handleMessage(ctx context.Context, message telego.Message) {
	if message.Chat.Type == "private" {
		return
	}

	ev := toMessageEvent(message)
	if c.messages != nil {
		if _, err := c.messages.OnMessageEvent(ctx, ev); err != nil {
			c.log.Error("failed to handle message event",
				zap.String("room_id", ev.RoomID),
				zap.String("message_id", ev.MessageID),
				zap.Error(err),
			)
		}
	}

	if c.commands == nil || message.Text == "" {
		return
	}
	req, ok := service.ParseCommand(message.Text, c.prefixes...)
	if !ok {
		return
	}
	req.RoomID = ev.RoomID
	req.SenderID = ev.SenderID
	if _, err := c.commands.OnCommand(ctx, req); err != nil {
		c.log.Warn("command reply failed", zap.String("room_id", req.RoomID), zap.Error(err))
	}
}

// toMessageEvent 把 Telegram 消息映射为入站消息事件
func toMessageEvent(message telego.Message) domain.MessageEvent {
	ev := domain.MessageEvent{
		RoomID:          strconv.FormatInt(message.Chat.ID, 10),
		MessageID:       strconv.Itoa(message.MessageID),
		Kind:            messageKind(message),
		OriginTimestamp: time.Unix(message.Date, 0).UTC(),
	}
	if message.From != nil {
		ev.SenderID = strconv.FormatInt(message.From.ID, 10)
	}
	return ev
}

func messageKind(message telego.Message) domain.MessageKind {
	switch {
	case message.Sticker != nil:
		return domain.KindSticker
	case len(message.Photo) > 0:
		return domain.KindImage
	case message.Video != nil, message.Animation != nil, message.VideoNote != nil:
		return domain.KindVideo
	case message.Document != nil, message.Audio != nil, message.Voice != nil:
		return domain.KindFile
	case message.Location != nil, message.Venue != nil:
		return domain.KindLocation
	case message.Text != "":
		return domain.KindText
	default:
		return domain.MessageKind("service")
	}
}

// Redact 实现 chat.Redactor
func (c *Client) Redact(ctx context.Context, roomID, messageID, reason string) (domain.RedactResult, error) {
	chatID, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return domain.RedactResult{Outcome: domain.OutcomeForbidden, Detail: "invalid chat id"}, nil
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return domain.RedactResult{Outcome: domain.OutcomeNotFound, Detail: "invalid message id"}, nil
	}

	// Bot API 的删除不携带原因
	err = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
	})
	return classify(err), nil
}

// Reply 实现 chat.Replier
func (c *Client) Reply(ctx context.Context, roomID, text string) error {
	chatID, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", roomID, err)
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	_, err = c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	return err
}

// UserLevel 实现 chat.PowerLevelSource
//
// 群主为 100，有删除消息权限的管理员为 50，其他成员为 0。
func (c *Client) UserLevel(ctx context.Context, roomID, userID string) (int, error) {
	key := roomID + "|" + userID
	if level, ok := c.levels.Get(key); ok {
		return level, nil
	}

	chatID, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return levelMember, fmt.Errorf("invalid chat id %q: %w", roomID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return levelMember, fmt.Errorf("invalid user id %q: %w", userID, err)
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	member, err := c.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: telego.ChatID{ID: chatID},
		UserID: uid,
	})
	if err != nil {
		return levelMember, fmt.Errorf("error getting member info: %w", err)
	}

	level := memberLevel(member)
	c.levels.Set(key, level, 0)
	return level, nil
}

// RedactLevel 实现 chat.PowerLevelSource；Telegram 没有房间级别的删除等级
func (c *Client) RedactLevel(ctx context.Context, roomID string) (int, bool, error) {
	return 0, false, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

func memberLevel(member telego.ChatMember) int {
	switch member.MemberStatus() {
	case telego.MemberStatusCreator:
		return levelOwner
	case telego.MemberStatusAdministrator:
		if admin, ok := member.(*telego.ChatMemberAdministrator); ok && admin.CanDeleteMessages {
			return levelModerator
		}
	}
	return levelMember
}
