package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is an in-memory Backend whose session can be expired on demand.
type fakeBackend struct {
	mu sync.Mutex

	chats    map[string]domain.Chat
	messages []domain.Message
	media    map[string]domain.MediaFile
	nextID   int

	// expireNext makes the next n data calls fail with ErrSessionExpired.
	expireNext int
	authCalls  int
	authErr    error
	createErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chats: make(map[string]domain.Chat),
		media: make(map[string]domain.MediaFile),
	}
}

func (f *fakeBackend) gate() error {
	if f.expireNext > 0 {
		f.expireNext--
		return ErrSessionExpired
	}
	return nil
}

func (f *fakeBackend) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *fakeBackend) Authenticate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authErr
}

func (f *fakeBackend) FindChat(_ context.Context, source domain.Source, platformChatID string) (domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.Chat{}, err
	}
	for _, c := range f.chats {
		if c.Source == source && c.PlatformChatID == platformChatID {
			return c, nil
		}
	}
	return domain.Chat{}, ErrNotFound
}

func (f *fakeBackend) GetChat(_ context.Context, id string) (domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.Chat{}, err
	}
	c, ok := f.chats[id]
	if !ok {
		return domain.Chat{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeBackend) CreateChat(_ context.Context, chat domain.Chat) (domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.Chat{}, err
	}
	if f.createErr != nil {
		return domain.Chat{}, f.createErr
	}
	chat.ID = f.id("chat")
	f.chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeBackend) UpdateChat(_ context.Context, chat domain.Chat) (domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.Chat{}, err
	}
	if _, ok := f.chats[chat.ID]; !ok {
		return domain.Chat{}, ErrNotFound
	}
	f.chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeBackend) TouchChat(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = at
	f.chats[id] = c
	return nil
}

func (f *fakeBackend) ListChats(_ context.Context, filter domain.ChatFilter) ([]domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []domain.Chat
	for _, c := range f.chats {
		if filter.Source == "" || c.Source == filter.Source {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.Message{}, err
	}
	msg.ID = f.id("msg")
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeBackend) FindMessage(_ context.Context, platformMessageID, senderID string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.Message{}, err
	}
	for _, m := range f.messages {
		if m.PlatformMessageID == platformMessageID && m.SenderID == senderID {
			return m, nil
		}
	}
	return domain.Message{}, ErrNotFound
}

func (f *fakeBackend) ListMessages(_ context.Context, chatID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeBackend) CreateMedia(_ context.Context, media domain.MediaFile) (domain.MediaFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.MediaFile{}, err
	}
	media.ID = f.id("media")
	f.media[media.ID] = media
	return media, nil
}

func (f *fakeBackend) GetMedia(_ context.Context, id string) (domain.MediaFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return domain.MediaFile{}, err
	}
	m, ok := f.media[id]
	if !ok {
		return domain.MediaFile{}, ErrNotFound
	}
	return m, nil
}

func (f *fakeBackend) Close() error { return nil }

type recordingFeed struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingFeed) Emit(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingFeed) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestGateway(backend Backend, feed ChangeFeed) *Gateway {
	return NewGateway(GatewayConfig{Backend: backend, Feed: feed, Logger: testLogger()})
}

func textMessage(chatID string) domain.Message {
	return domain.Message{
		PlatformMessageID: "m1",
		Source:            domain.SourceTelegram,
		ChatID:            chatID,
		Type:              domain.MessageText,
		Content:           "hello",
		IsIncoming:        true,
		Timestamp:         time.Unix(1700000000, 0),
		SenderID:          "42",
		SenderName:        "Ann",
		ResponseMode:      domain.ResponseManual,
	}
}

func TestGateway_SaveMessageTouchesChat(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(backend, nil)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return at }
	ctx := context.Background()

	chat := g.FindOrCreateChat(ctx, "100", domain.SourceTelegram, "Ann")
	require.NotNil(t, chat)
	at = at.Add(time.Hour)

	_, err := g.SaveMessage(ctx, textMessage(chat.ID))
	require.NoError(t, err)
	got, err := g.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Equal(t, at, got.UpdatedAt)

	// A chat that vanished does not fail the already stored message.
	orphan := textMessage("gone")
	orphan.PlatformMessageID = "m2"
	_, err = g.SaveMessage(ctx, orphan)
	require.NoError(t, err)
}

func TestGateway_FindOrCreateChat_CreatesOnce(t *testing.T) {
	backend := newFakeBackend()
	feed := &recordingFeed{}
	g := newTestGateway(backend, feed)
	ctx := context.Background()

	first := g.FindOrCreateChat(ctx, "100", domain.SourceTelegram, "Ann")
	require.NotNil(t, first)
	require.False(t, first.AutoMode)
	require.Equal(t, "Ann", first.Name)

	second := g.FindOrCreateChat(ctx, "100", domain.SourceTelegram, "Ann again")
	require.NotNil(t, second)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, backend.chats, 1)

	// Only the creation is announced.
	require.Equal(t, []string{bus.EventChat}, feed.types())
}

func TestGateway_FindOrCreateChat_SameIDDifferentSource(t *testing.T) {
	g := newTestGateway(newFakeBackend(), nil)
	ctx := context.Background()

	tg := g.FindOrCreateChat(ctx, "100", domain.SourceTelegram, "")
	wa := g.FindOrCreateChat(ctx, "100", domain.SourceWhatsApp, "")
	require.NotNil(t, tg)
	require.NotNil(t, wa)
	require.NotEqual(t, tg.ID, wa.ID)
}

func TestGateway_RefreshesExpiredSessionOnce(t *testing.T) {
	backend := newFakeBackend()
	backend.expireNext = 1
	g := newTestGateway(backend, nil)

	saved, err := g.SaveMessage(context.Background(), textMessage("chat1"))
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	require.Equal(t, 1, backend.authCalls)
	require.Len(t, backend.messages, 1)
}

func TestGateway_SecondExpiryIsTerminal(t *testing.T) {
	backend := newFakeBackend()
	backend.expireNext = 2
	g := newTestGateway(backend, nil)

	_, err := g.SaveMessage(context.Background(), textMessage("chat1"))
	require.ErrorIs(t, err, ErrSessionExhausted)
	require.Equal(t, 1, backend.authCalls)
	require.Empty(t, backend.messages)
}

func TestGateway_ReauthFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.expireNext = 1
	backend.authErr = errors.New("bad credentials")
	g := newTestGateway(backend, nil)

	_, err := g.ListChats(context.Background(), domain.ChatFilter{})
	require.Error(t, err)
	require.ErrorContains(t, err, "re-authenticate")
}

func TestGateway_FindOrCreateChat_NilOnPersistentFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.expireNext = 5
	g := newTestGateway(backend, nil)

	require.Nil(t, g.FindOrCreateChat(context.Background(), "100", domain.SourceTelegram, ""))
}

func TestGateway_FindOrCreateChat_NilOnCreateError(t *testing.T) {
	backend := newFakeBackend()
	backend.createErr = errors.New("disk full")
	g := newTestGateway(backend, nil)

	require.Nil(t, g.FindOrCreateChat(context.Background(), "100", domain.SourceTelegram, ""))
}

func TestGateway_SaveMessage_ValidationRethrown(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(backend, nil)

	msg := textMessage("chat1")
	msg.Type = "sticker"
	_, err := g.SaveMessage(context.Background(), msg)
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Empty(t, backend.messages)
}

func TestGateway_SaveMessage_PublishesEvent(t *testing.T) {
	feed := &recordingFeed{}
	g := newTestGateway(newFakeBackend(), feed)

	saved, err := g.SaveMessage(context.Background(), textMessage("chat1"))
	require.NoError(t, err)
	require.Len(t, feed.events, 1)
	ev := feed.events[0]
	require.Equal(t, bus.EventMessage, ev.Type)
	require.Equal(t, "chat1", ev.ChatID)
	require.Equal(t, domain.SourceTelegram, ev.Source)
	require.Equal(t, saved, ev.Data)
}

func TestGateway_GetMessageID(t *testing.T) {
	g := newTestGateway(newFakeBackend(), nil)
	ctx := context.Background()

	_, ok, err := g.GetMessageID(ctx, "m1", "42")
	require.NoError(t, err)
	require.False(t, ok)

	saved, err := g.SaveMessage(ctx, textMessage("chat1"))
	require.NoError(t, err)

	id, ok, err := g.GetMessageID(ctx, "m1", "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, saved.ID, id)
}

func TestGateway_SetAutoMode(t *testing.T) {
	feed := &recordingFeed{}
	g := newTestGateway(newFakeBackend(), feed)
	ctx := context.Background()

	chat := g.FindOrCreateChat(ctx, "100", domain.SourceTelegram, "")
	require.NotNil(t, chat)

	updated, err := g.SetAutoMode(ctx, chat.ID, true)
	require.NoError(t, err)
	require.True(t, updated.AutoMode)

	got, err := g.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.True(t, got.AutoMode)
	require.Equal(t, []string{bus.EventChat, bus.EventChat}, feed.types())

	_, err = g.SetAutoMode(ctx, "missing", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGateway_SaveMediaFile(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(backend, nil)
	ctx := context.Background()

	_, err := g.SaveMediaFile(ctx, nil, "a.jpg", "image/jpeg", domain.SourceTelegram)
	require.True(t, IsValidation(err))

	id, err := g.SaveMediaFile(ctx, []byte{0xff, 0xd8}, "a.jpg", "image/jpeg", domain.SourceTelegram)
	require.NoError(t, err)

	media, err := g.GetMedia(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "a.jpg", media.Filename)
	require.Equal(t, []byte{0xff, 0xd8}, media.Data)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Message)
		ok     bool
	}{
		{"valid", func(*domain.Message) {}, true},
		{"no chat", func(m *domain.Message) { m.ChatID = "" }, false},
		{"bad source", func(m *domain.Message) { m.Source = "icq" }, false},
		{"bad type", func(m *domain.Message) { m.Type = "video" }, false},
		{"bad mode", func(m *domain.Message) { m.ResponseMode = "robot" }, false},
		{"zero timestamp", func(m *domain.Message) { m.Timestamp = time.Time{} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := textMessage("chat1")
			tt.mutate(&msg)
			err := validateMessage(msg)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.True(t, IsValidation(err))
			}
		})
	}
}
