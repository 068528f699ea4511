// Package store is the sole writer of chats, messages and media. It wraps a
// record-store Backend with a uniform refresh-once policy for expired sessions
// and publishes every successful write to the change feed.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"
)

// ChangeFeed receives chat and message updates after they are persisted.
type ChangeFeed interface {
	Emit(event bus.Event)
}

// Gateway implements the chat/message persistence contract on top of a Backend.
type Gateway struct {
	backend Backend
	feed    ChangeFeed
	logger  *slog.Logger
	now     func() time.Time
}

type GatewayConfig struct {
	Backend Backend
	Feed    ChangeFeed // optional
	Logger  *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		backend: cfg.Backend,
		feed:    cfg.Feed,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Login authenticates the backend session up front.
func (g *Gateway) Login(ctx context.Context) error {
	return g.backend.Authenticate(ctx)
}

func (g *Gateway) Close() error {
	return g.backend.Close()
}

// withSession runs fn, and if the backend session expired, re-authenticates
// exactly once and runs fn again. A second expiry is terminal.
func withSession[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (T, error)) (T, error) {
	res, err := fn(ctx)
	if !errors.Is(err, ErrSessionExpired) {
		return res, err
	}

	g.logger.Warn("store session expired, re-authenticating", "op", op)
	if authErr := g.backend.Authenticate(ctx); authErr != nil {
		var zero T
		return zero, fmt.Errorf("%s: re-authenticate: %w", op, authErr)
	}

	res, err = fn(ctx)
	if errors.Is(err, ErrSessionExpired) {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, ErrSessionExhausted)
	}
	return res, err
}

// FindOrCreateChat returns the chat for (source, platformChatID), creating it
// with auto mode off when it does not exist yet. It returns nil when the store
// keeps failing; callers must check.
func (g *Gateway) FindOrCreateChat(ctx context.Context, platformChatID string, source domain.Source, name string) *domain.Chat {
	res, err := withSession(ctx, g, "find or create chat", func(ctx context.Context) (chatResult, error) {
		found, err := g.backend.FindChat(ctx, source, platformChatID)
		if err == nil {
			return chatResult{chat: found}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return chatResult{}, err
		}
		c, err := g.backend.CreateChat(ctx, domain.Chat{
			PlatformChatID: platformChatID,
			Source:         source,
			Name:           name,
			UpdatedAt:      g.now().UTC(),
			AutoMode:       false,
		})
		return chatResult{chat: c, created: true}, err
	})
	if err != nil {
		g.logger.Error("find or create chat failed",
			"platform_chat_id", platformChatID, "source", source, "err", err)
		return nil
	}
	chat := res.chat
	if res.created {
		g.logger.Info("chat created", "chat_id", chat.ID, "source", source, "platform_chat_id", platformChatID)
		g.publish(bus.EventChat, chat.ID, chat.Source, chat)
	}
	return &chat
}

type chatResult struct {
	chat    domain.Chat
	created bool
}

// SaveMessage persists msg and returns it with its store-assigned ID.
// Validation failures are logged and returned; they signal a model mismatch.
func (g *Gateway) SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := validateMessage(msg); err != nil {
		g.logger.Error("message rejected", "platform_message_id", msg.PlatformMessageID, "err", err)
		return domain.Message{}, err
	}
	saved, err := withSession(ctx, g, "save message", func(ctx context.Context) (domain.Message, error) {
		return g.backend.CreateMessage(ctx, msg)
	})
	if err != nil {
		if IsValidation(err) {
			g.logger.Error("store rejected message", "platform_message_id", msg.PlatformMessageID, "err", err)
		}
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	g.publish(bus.EventMessage, saved.ChatID, saved.Source, saved)
	g.touchChat(ctx, saved.ChatID)
	return saved, nil
}

// touchChat bumps the chat's activity time after a message lands. Failures
// are logged; the message itself is already stored.
func (g *Gateway) touchChat(ctx context.Context, chatID string) {
	_, err := withSession(ctx, g, "touch chat", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.backend.TouchChat(ctx, chatID, g.now().UTC())
	})
	if err != nil {
		g.logger.Warn("chat activity not recorded", "chat_id", chatID, "err", err)
	}
}

// SaveMediaFile stores a binary attachment and returns its media ID.
func (g *Gateway) SaveMediaFile(ctx context.Context, data []byte, filename, contentType string, source domain.Source) (string, error) {
	if len(data) == 0 {
		return "", &ValidationError{Collection: "media", Detail: "empty file"}
	}
	media, err := withSession(ctx, g, "save media", func(ctx context.Context) (domain.MediaFile, error) {
		return g.backend.CreateMedia(ctx, domain.MediaFile{
			Filename:    filename,
			ContentType: contentType,
			Source:      source,
			Data:        data,
			CreatedAt:   g.now().UTC(),
		})
	})
	if err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	return media.ID, nil
}

// SaveChat creates the chat when it has no ID and updates it otherwise.
func (g *Gateway) SaveChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	chat.UpdatedAt = g.now().UTC()
	saved, err := withSession(ctx, g, "save chat", func(ctx context.Context) (domain.Chat, error) {
		if chat.ID == "" {
			return g.backend.CreateChat(ctx, chat)
		}
		return g.backend.UpdateChat(ctx, chat)
	})
	if err != nil {
		return domain.Chat{}, fmt.Errorf("save chat: %w", err)
	}
	g.publish(bus.EventChat, saved.ID, saved.Source, saved)
	return saved, nil
}

// SetAutoMode toggles automatic replies for a chat.
func (g *Gateway) SetAutoMode(ctx context.Context, chatID string, enabled bool) (domain.Chat, error) {
	chat, err := g.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	chat.AutoMode = enabled
	return g.SaveChat(ctx, chat)
}

// GetMessageID looks up a stored message by its platform identity.
// A missing message is reported as ok=false, not as an error.
func (g *Gateway) GetMessageID(ctx context.Context, platformMessageID, senderID string) (string, bool, error) {
	msg, err := withSession(ctx, g, "get message", func(ctx context.Context) (domain.Message, error) {
		return g.backend.FindMessage(ctx, platformMessageID, senderID)
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return msg.ID, true, nil
}

func (g *Gateway) GetChat(ctx context.Context, id string) (domain.Chat, error) {
	return withSession(ctx, g, "get chat", func(ctx context.Context) (domain.Chat, error) {
		return g.backend.GetChat(ctx, id)
	})
}

func (g *Gateway) ListChats(ctx context.Context, filter domain.ChatFilter) ([]domain.Chat, error) {
	return withSession(ctx, g, "list chats", func(ctx context.Context) ([]domain.Chat, error) {
		return g.backend.ListChats(ctx, filter)
	})
}

func (g *Gateway) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return withSession(ctx, g, "list messages", func(ctx context.Context) ([]domain.Message, error) {
		return g.backend.ListMessages(ctx, chatID, limit)
	})
}

func (g *Gateway) GetMedia(ctx context.Context, id string) (domain.MediaFile, error) {
	return withSession(ctx, g, "get media", func(ctx context.Context) (domain.MediaFile, error) {
		return g.backend.GetMedia(ctx, id)
	})
}

func (g *Gateway) publish(kind, chatID string, source domain.Source, data any) {
	if g.feed == nil {
		return
	}
	g.feed.Emit(bus.Event{
		Type:      kind,
		ChatID:    chatID,
		Source:    source,
		Data:      data,
		Timestamp: g.now(),
	})
}

func validateMessage(msg domain.Message) error {
	var problems []string
	if msg.ChatID == "" {
		problems = append(problems, "chat is required")
	}
	if !msg.Source.Valid() {
		problems = append(problems, fmt.Sprintf("unknown source %q", msg.Source))
	}
	switch msg.Type {
	case domain.MessageText, domain.MessageImage, domain.MessageVoice, domain.MessageAudio:
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", msg.Type))
	}
	switch msg.ResponseMode {
	case domain.ResponseManual, domain.ResponseAuto:
	default:
		problems = append(problems, fmt.Sprintf("unknown response mode %q", msg.ResponseMode))
	}
	if msg.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Collection: "messages", Detail: strings.Join(problems, "; ")}
	}
	return nil
}
