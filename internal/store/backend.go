package store

import (
	"context"
	"time"

	"chatbridge/internal/domain"
)

// Backend is the durable record store the gateway wraps. Implementations
// return ErrSessionExpired when re-authentication is needed and ErrNotFound
// for missing records.
type Backend interface {
	Authenticate(ctx context.Context) error

	FindChat(ctx context.Context, source domain.Source, platformChatID string) (domain.Chat, error)
	GetChat(ctx context.Context, id string) (domain.Chat, error)
	CreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error)
	UpdateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error)
	ListChats(ctx context.Context, filter domain.ChatFilter) ([]domain.Chat, error)
	// TouchChat records message activity so chat listings order by it.
	TouchChat(ctx context.Context, id string, at time.Time) error

	CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	FindMessage(ctx context.Context, platformMessageID, senderID string) (domain.Message, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error)

	CreateMedia(ctx context.Context, media domain.MediaFile) (domain.MediaFile, error)
	GetMedia(ctx context.Context, id string) (domain.MediaFile, error)

	Close() error
}
