// Package ingest runs one inbound event through dedup, persistence and the
// optional automated reply, and performs operator sends.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/channel"
	"chatbridge/internal/dedup"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

// ErrChatUnavailable means the chat could not be found or created.
var ErrChatUnavailable = errors.New("chat unavailable")

const (
	assistantSenderID   = "assistant"
	assistantSenderName = "Ассистент"
	operatorSenderID    = "operator"
	operatorSenderName  = "Оператор"
)

// Store is the gateway surface the pipeline writes through.
type Store interface {
	FindOrCreateChat(ctx context.Context, platformChatID string, source domain.Source, name string) *domain.Chat
	SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	SaveMediaFile(ctx context.Context, data []byte, filename, contentType string, source domain.Source) (string, error)
	GetMessageID(ctx context.Context, platformMessageID, senderID string) (string, bool, error)
}

type Responder interface {
	Reply(ctx context.Context, chat domain.Chat, msg domain.Message) string
}

type Config struct {
	Store     Store
	Dedup     dedup.Cache
	Responder Responder
	Registry  *channel.Registry
	Logger    *slog.Logger
}

type Pipeline struct {
	store     Store
	dedup     dedup.Cache
	responder Responder
	registry  *channel.Registry
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		store:     cfg.Store,
		dedup:     cfg.Dedup,
		responder: cfg.Responder,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Result describes what Process persisted.
type Result struct {
	Chat    domain.Chat
	Message domain.Message
	Reply   *domain.Message // nil when no automated reply was sent

	// Duplicate is set when the platform message was already stored; only
	// Message.ID is filled in then.
	Duplicate bool
}

// Handle is the entry point for adapters: redeliveries are dropped, failures
// are logged.
func (p *Pipeline) Handle(ctx context.Context, adapter channel.Adapter, in channel.Inbound) {
	metrics.InboundEvents.Inc()
	if p.Seen(ctx, in.EventID) {
		metrics.DuplicatesDropped.Inc()
		p.logger.Info("duplicate event dropped", "event_id", in.EventID)
		return
	}
	if _, err := p.Process(ctx, adapter, in); err != nil {
		p.logger.Error("inbound processing failed",
			"event_id", in.EventID, "source", in.Chat.Source, "err", err)
	}
}

// Seen marks id and reports whether it had already been marked. Events
// without an id are never considered duplicates.
func (p *Pipeline) Seen(ctx context.Context, id string) bool {
	if id == "" || p.dedup == nil {
		return false
	}
	return dedup.CheckAndMark(ctx, p.dedup, id)
}

// Process persists one inbound event and, for incoming messages in auto-mode
// chats, sends and persists the assistant's reply. Steps run in order; a
// failed reply never undoes the saved message.
func (p *Pipeline) Process(ctx context.Context, adapter channel.Adapter, in channel.Inbound) (Result, error) {
	chat := p.store.FindOrCreateChat(ctx, in.Chat.PlatformChatID, in.Chat.Source, in.Chat.Name)
	if chat == nil {
		metrics.StoreFailures.Inc()
		return Result{}, fmt.Errorf("%w: %s/%s", ErrChatUnavailable, in.Chat.Source, in.Chat.PlatformChatID)
	}

	msg := in.Message
	msg.ChatID = chat.ID
	msg.Source = chat.Source
	if id, ok := p.stored(ctx, msg); ok {
		metrics.DuplicatesDropped.Inc()
		p.logger.Info("message already stored", "message_id", id, "platform_message_id", msg.PlatformMessageID)
		return Result{Chat: *chat, Message: domain.Message{ID: id}, Duplicate: true}, nil
	}
	if in.Media != nil {
		msg.MediaFileID = p.storeMedia(ctx, adapter, *in.Media, chat.Source)
	}

	saved, err := p.store.SaveMessage(ctx, msg)
	if err != nil {
		metrics.StoreFailures.Inc()
		return Result{Chat: *chat}, err
	}
	metrics.MessagesSaved.Inc()
	res := Result{Chat: *chat, Message: saved}

	if !chat.AutoMode || !saved.IsIncoming {
		return res, nil
	}

	text := p.responder.Reply(ctx, *chat, saved)
	target := channel.Target{Source: chat.Source, PlatformChatID: chat.PlatformChatID, VisitorID: in.Chat.VisitorID}
	externalID, err := adapter.SendOutbound(ctx, target, text)
	if err != nil {
		metrics.SendFailures.Inc()
		p.logger.Error("auto reply delivery failed", "chat_id", chat.ID, "err", err)
		return res, nil
	}
	metrics.RepliesSent.Inc()

	out := domain.NewOutboundMessage(*chat, outboundID(externalID), text, domain.ResponseAuto,
		assistantSenderID, assistantSenderName, p.now().UTC())
	reply, err := p.store.SaveMessage(ctx, out)
	if err != nil {
		metrics.StoreFailures.Inc()
		p.logger.Error("auto reply sent but not persisted", "chat_id", chat.ID, "external_id", externalID, "err", err)
		return res, nil
	}
	res.Reply = &reply
	return res, nil
}

// stored looks the message up by its platform identity. A failed lookup is
// logged and treated as not stored.
func (p *Pipeline) stored(ctx context.Context, msg domain.Message) (string, bool) {
	if msg.PlatformMessageID == "" {
		return "", false
	}
	id, ok, err := p.store.GetMessageID(ctx, msg.PlatformMessageID, msg.SenderID)
	if err != nil {
		p.logger.Warn("stored message lookup failed", "platform_message_id", msg.PlatformMessageID, "err", err)
		return "", false
	}
	return id, ok
}

// storeMedia downloads and persists an attachment. Failures are logged and
// yield an empty id so the message is still saved.
func (p *Pipeline) storeMedia(ctx context.Context, adapter channel.Adapter, ref channel.MediaRef, source domain.Source) string {
	media, err := adapter.FetchMedia(ctx, ref)
	if err != nil {
		metrics.MediaFailures.Inc()
		p.logger.Warn("media download failed", "adapter", adapter.Name(), "err", err)
		return ""
	}
	id, err := p.store.SaveMediaFile(ctx, media.Data, media.Filename, media.ContentType, source)
	if err != nil {
		metrics.MediaFailures.Inc()
		p.logger.Warn("media save failed", "filename", media.Filename, "err", err)
		return ""
	}
	return id
}

// ManualSend is an operator message sent through the API.
type ManualSend struct {
	Source         domain.Source
	PlatformChatID string
	VisitorID      string
	Text           string
	SenderName     string
}

type SendResult struct {
	Message    domain.Message
	ExternalID string
}

// SendManual delivers an operator message and records it as a manual
// outbound message.
func (p *Pipeline) SendManual(ctx context.Context, req ManualSend) (SendResult, error) {
	adapter, err := p.registry.ForSource(req.Source)
	if err != nil {
		return SendResult{}, err
	}
	chat := p.store.FindOrCreateChat(ctx, req.PlatformChatID, req.Source, "")
	if chat == nil {
		metrics.StoreFailures.Inc()
		return SendResult{}, fmt.Errorf("%w: %s/%s", ErrChatUnavailable, req.Source, req.PlatformChatID)
	}

	externalID, err := adapter.SendOutbound(ctx, channel.Target{
		Source:         req.Source,
		PlatformChatID: req.PlatformChatID,
		VisitorID:      req.VisitorID,
	}, req.Text)
	if err != nil {
		metrics.SendFailures.Inc()
		return SendResult{}, fmt.Errorf("send via %s: %w", adapter.Name(), err)
	}
	metrics.ManualSends.Inc()

	name := req.SenderName
	if name == "" {
		name = operatorSenderName
	}
	out := domain.NewOutboundMessage(*chat, outboundID(externalID), req.Text, domain.ResponseManual,
		operatorSenderID, name, p.now().UTC())
	saved, err := p.store.SaveMessage(ctx, out)
	if err != nil {
		metrics.StoreFailures.Inc()
		return SendResult{ExternalID: externalID}, err
	}
	return SendResult{Message: saved, ExternalID: externalID}, nil
}

// outboundID is the platform id for a sent message, or a local one when the
// platform did not report any.
func outboundID(externalID string) string {
	if externalID != "" {
		return externalID
	}
	return "local-" + uuid.NewString()
}
