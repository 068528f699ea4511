package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxInFlight    = 8

	telegramHelpText = "Напишите сообщение, и оператор или ассистент ответит вам в этом чате."
)

// Telegram is the direct bot channel. It long-polls for updates and hands
// each one to a Handler.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	allowFrom []int64 // empty = allow all
	parseMode string
	timeout   int
	client    *http.Client
	logger    *slog.Logger

	// backoff is the base delay between send retries.
	backoff time.Duration
}

type TelegramConfig struct {
	Token       string
	APIEndpoint string // defaults to the public Bot API
	AllowFrom   []string
	ParseMode   string
	PollTimeout int // seconds
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewTelegram connects to the Bot API and verifies the token.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.PollTimeout+15) * time.Second}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	return &Telegram{
		bot:       bot,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		timeout:   cfg.PollTimeout,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
		backoff:   time.Second,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Sources() []domain.Source { return []domain.Source{domain.SourceTelegram} }

// Run polls for updates until ctx is cancelled. Updates are handled
// concurrently, a bounded number at a time.
func (t *Telegram) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.timeout
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	sem := make(chan struct{}, telegramMaxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				t.handleUpdate(ctx, update, h)
			}()
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update, h Handler) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.From != nil && !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}
	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			if _, err := t.send(ctx, msg.Chat.ID, telegramHelpText); err != nil {
				t.logger.Warn("telegram command reply failed", "chat_id", msg.Chat.ID, "err", err)
			}
			return
		}
	}

	in, ok := normalizeUpdate(update)
	if !ok {
		t.logger.Debug("telegram update ignored", "update_id", update.UpdateID)
		return
	}
	t.logger.Info("telegram message received",
		"chat_id", in.Chat.PlatformChatID,
		"type", in.Message.Type,
		"text_len", len(in.Message.Content),
	)
	h.Handle(ctx, t, in)
}

// normalizeUpdate maps a bot update onto an Inbound event. The attachment is
// inspected before the text; a caption becomes the content.
func normalizeUpdate(update tgbotapi.Update) (Inbound, bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return Inbound{}, false
	}

	msg := domain.Message{
		PlatformMessageID: strconv.Itoa(m.MessageID),
		Source:            domain.SourceTelegram,
		Type:              domain.MessageText,
		Content:           m.Text,
		IsIncoming:        true,
		Timestamp:         time.Unix(int64(m.Date), 0).UTC(),
		ResponseMode:      domain.ResponseManual,
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = userName(m.From)
	}

	var media *MediaRef
	switch {
	case len(m.Photo) > 0:
		p := largestPhoto(m.Photo)
		msg.Type = domain.MessageImage
		media = &MediaRef{FileID: p.FileID, Filename: "photo_" + p.FileUniqueID + ".jpg", ContentType: "image/jpeg"}
	case m.Voice != nil:
		msg.Type = domain.MessageVoice
		media = &MediaRef{FileID: m.Voice.FileID, Filename: "voice_" + m.Voice.FileUniqueID + ".ogg", ContentType: orDefault(m.Voice.MimeType, "audio/ogg")}
	case m.Audio != nil:
		msg.Type = domain.MessageAudio
		name := m.Audio.FileName
		if name == "" {
			name = "audio_" + m.Audio.FileUniqueID + ".mp3"
		}
		media = &MediaRef{FileID: m.Audio.FileID, Filename: name, ContentType: orDefault(m.Audio.MimeType, "audio/mpeg")}
	case m.Document != nil && strings.HasPrefix(m.Document.MimeType, "image/"):
		msg.Type = domain.MessageImage
		media = &MediaRef{FileID: m.Document.FileID, Filename: m.Document.FileName, ContentType: m.Document.MimeType}
	}
	if media != nil {
		msg.Content = m.Caption
	} else if strings.TrimSpace(m.Text) == "" {
		return Inbound{}, false
	}

	return Inbound{
		EventID: fmt.Sprintf("telegram:%d", update.UpdateID),
		Chat: ChatRef{
			PlatformChatID: strconv.FormatInt(m.Chat.ID, 10),
			Source:         domain.SourceTelegram,
			Name:           chatName(m.Chat, m.From),
		},
		Message: msg,
		Media:   media,
	}, true
}

func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}

func userName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func chatName(c *tgbotapi.Chat, from *tgbotapi.User) string {
	if c.Title != "" {
		return c.Title
	}
	if name := strings.TrimSpace(c.FirstName + " " + c.LastName); name != "" {
		return name
	}
	if c.UserName != "" {
		return c.UserName
	}
	if from != nil {
		return userName(from)
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (t *Telegram) FetchMedia(ctx context.Context, ref MediaRef) (Media, error) {
	if ref.FileID == "" {
		return Media{}, errors.New("telegram media: missing file id")
	}
	url, err := t.bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return Media{}, fmt.Errorf("telegram get file: %w", err)
	}
	return download(ctx, t.client, url, ref.Filename, ref.ContentType)
}

func (t *Telegram) SendOutbound(ctx context.Context, target Target, text string) (string, error) {
	chatID, err := strconv.ParseInt(target.PlatformChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", target.PlatformChatID, err)
	}
	id, err := t.send(ctx, chatID, text)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// send delivers text in chunks and returns the id of the first chunk.
func (t *Telegram) send(ctx context.Context, chatID int64, text string) (int, error) {
	first := 0
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		id, err := t.sendChunk(ctx, chatID, chunk)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = id
		}
	}
	return first, nil
}

// splitMessage cuts text into pieces no longer than maxLen bytes, preferring
// newline boundaries in the second half of a piece.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			// Do not split a multi-byte rune.
			for cutAt > 0 && !utf8RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// sendChunk tries the configured parse mode first, falls back to plain text
// on a parse error and backs off on rate limiting.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		sent, err := t.bot.Send(msg)
		if err == nil {
			return sent.MessageID, nil
		}
		lastErr = err
		errStr := err.Error()

		var wait time.Duration
		switch {
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			wait = time.Duration(attempt+1) * 3 * t.backoff
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities"):
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		default:
			wait = time.Duration(attempt+1) * t.backoff
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		}

		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", telegramMaxSendRetries+1)
	return 0, fmt.Errorf("telegram send: %w", lastErr)
}
