// Package responder produces automated replies by driving an assistant
// thread and run for each inbound message.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"chatbridge/internal/assistant"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

// Fixed reply texts.
const (
	FallbackReply     = "Извините, произошла ошибка при обработке сообщения. Попробуйте позже."
	EmptyTranscript   = "Не удалось распознать текст в аудиосообщении."
	MediaNotFound     = "Медиафайл не найден."
	imageReplyFormat  = "Описание изображения: %s\n\nОтвет: %s"
	audioReplyFormat  = "Расшифровка: %s\n\nОтвет: %s"
	imagePromptFormat = "%s\n\nОписание изображения: %s"
)

var errMediaMissing = errors.New("media reference missing")

// Assistant is the external assistant the responder drives.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID string) (assistant.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (assistant.Run, error)
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)
	DescribeImage(ctx context.Context, data []byte, contentType string) (string, error)
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Store is the part of the store gateway the responder needs.
type Store interface {
	SaveChat(ctx context.Context, chat domain.Chat) (domain.Chat, error)
	GetMedia(ctx context.Context, id string) (domain.MediaFile, error)
}

type Config struct {
	Assistant  Assistant
	Store      Store
	Transcoder domain.Transcoder // optional
	Poller     Poller
	Limiter    *RateLimiter // optional
	Logger     *slog.Logger
}

type Responder struct {
	assistant  Assistant
	store      Store
	transcoder domain.Transcoder
	poller     Poller
	limiter    *RateLimiter
	logger     *slog.Logger
}

func New(cfg Config) *Responder {
	if cfg.Poller.Clock == nil {
		cfg.Poller.Clock = realClock{}
	}
	return &Responder{
		assistant:  cfg.Assistant,
		store:      cfg.Store,
		transcoder: cfg.Transcoder,
		poller:     cfg.Poller,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
}

// Reply returns the text to send back for msg. It never fails: any error is
// logged and replaced by FallbackReply.
func (r *Responder) Reply(ctx context.Context, chat domain.Chat, msg domain.Message) (reply string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("responder panic", "chat_id", chat.ID, "panic", p)
			metrics.AssistantFailures.Inc()
			reply = FallbackReply
		}
	}()

	var err error
	switch {
	case msg.Type.IsAudio():
		reply, err = r.replyAudio(ctx, &chat, msg)
	case msg.Type == domain.MessageImage:
		reply, err = r.replyImage(ctx, &chat, msg)
	default:
		reply, err = r.ask(ctx, &chat, msg.Content)
	}

	switch {
	case err == nil:
		return reply
	case errors.Is(err, errMediaMissing):
		return MediaNotFound
	case errors.Is(err, ErrRunTimeout):
		metrics.AssistantTimeouts.Inc()
	}
	metrics.AssistantFailures.Inc()
	r.logger.Error("assistant reply failed",
		"chat_id", chat.ID, "message_id", msg.ID, "type", msg.Type, "err", err)
	return FallbackReply
}

func (r *Responder) replyImage(ctx context.Context, chat *domain.Chat, msg domain.Message) (string, error) {
	media, err := r.loadMedia(ctx, msg)
	if err != nil {
		return "", err
	}
	description, err := r.assistant.DescribeImage(ctx, media.Data, media.ContentType)
	if err != nil {
		return "", err
	}

	prompt := description
	if caption := strings.TrimSpace(msg.Content); caption != "" {
		prompt = fmt.Sprintf(imagePromptFormat, caption, description)
	}
	answer, err := r.ask(ctx, chat, prompt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(imageReplyFormat, description, answer), nil
}

func (r *Responder) replyAudio(ctx context.Context, chat *domain.Chat, msg domain.Message) (string, error) {
	media, err := r.loadMedia(ctx, msg)
	if err != nil {
		return "", err
	}

	data, filename := media.Data, media.Filename
	if needsTranscode(filename) {
		if r.transcoder == nil {
			return "", fmt.Errorf("audio %q needs transcoding but no transcoder is configured", filename)
		}
		if data, err = r.transcoder.ToSpeechWAV(ctx, data, filename); err != nil {
			return "", err
		}
		filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + ".wav"
	}

	transcript, err := r.assistant.Transcribe(ctx, data, filename)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(transcript) == "" {
		return EmptyTranscript, nil
	}

	answer, err := r.ask(ctx, chat, transcript)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(audioReplyFormat, transcript, answer), nil
}

func (r *Responder) loadMedia(ctx context.Context, msg domain.Message) (domain.MediaFile, error) {
	if msg.MediaFileID == "" {
		return domain.MediaFile{}, errMediaMissing
	}
	media, err := r.store.GetMedia(ctx, msg.MediaFileID)
	if err != nil {
		return domain.MediaFile{}, fmt.Errorf("load media %s: %w", msg.MediaFileID, err)
	}
	return media, nil
}

// ask runs text through the chat's assistant thread and returns the answer.
func (r *Responder) ask(ctx context.Context, chat *domain.Chat, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty prompt")
	}
	threadID, err := r.ensureThread(ctx, chat)
	if err != nil {
		return "", err
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	if err := r.assistant.AddMessage(ctx, threadID, text); err != nil {
		return "", err
	}
	run, err := r.assistant.CreateRun(ctx, threadID)
	if err != nil {
		return "", err
	}

	started := r.poller.Clock.Now()
	_, err = r.poller.Wait(ctx, func(ctx context.Context) (assistant.Run, error) {
		return r.assistant.GetRun(ctx, threadID, run.ID)
	})
	metrics.RunLatency.Observe(r.poller.Clock.Now().Sub(started).Seconds())
	if err != nil {
		return "", err
	}

	return r.assistant.LatestAssistantMessage(ctx, threadID)
}

// ensureThread returns the chat's thread, creating and persisting one first
// if needed. Two concurrent first replies may both create a thread; the last
// save wins.
func (r *Responder) ensureThread(ctx context.Context, chat *domain.Chat) (string, error) {
	if chat.AssistantThreadID != "" {
		return chat.AssistantThreadID, nil
	}
	threadID, err := r.assistant.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	chat.AssistantThreadID = threadID
	if _, err := r.store.SaveChat(ctx, *chat); err != nil {
		return "", fmt.Errorf("persist thread handle: %w", err)
	}
	r.logger.Info("assistant thread created", "chat_id", chat.ID, "thread_id", threadID)
	return threadID, nil
}
