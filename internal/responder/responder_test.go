package responder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/internal/assistant"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps++
	return nil
}

type fakeAssistant struct {
	mu sync.Mutex

	statuses   []string // GetRun answers in order; the last one repeats
	reply      string
	transcript string
	describe   string
	threadErr  error
	block      bool // GetRun waits for its context to end

	threadsCreated int
	prompts        []string
	getRunCalls    int
	transcribed    []string
}

func (f *fakeAssistant) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return "", f.threadErr
	}
	f.threadsCreated++
	return "thread_new", nil
}

func (f *fakeAssistant) AddMessage(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakeAssistant) CreateRun(context.Context, string) (assistant.Run, error) {
	return assistant.Run{ID: "run_1", Status: assistant.RunQueued}, nil
}

func (f *fakeAssistant) GetRun(ctx context.Context, _ string, _ string) (assistant.Run, error) {
	if f.block {
		<-ctx.Done()
		return assistant.Run{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status := assistant.RunCompleted
	if len(f.statuses) > 0 {
		i := f.getRunCalls
		if i >= len(f.statuses) {
			i = len(f.statuses) - 1
		}
		status = f.statuses[i]
	}
	f.getRunCalls++
	return assistant.Run{ID: "run_1", Status: status}, nil
}

func (f *fakeAssistant) LatestAssistantMessage(context.Context, string) (string, error) {
	if f.reply == "" {
		return "", assistant.ErrNoReply
	}
	return f.reply, nil
}

func (f *fakeAssistant) DescribeImage(context.Context, []byte, string) (string, error) {
	return f.describe, nil
}

func (f *fakeAssistant) Transcribe(_ context.Context, _ []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribed = append(f.transcribed, filename)
	return f.transcript, nil
}

type fakeStore struct {
	mu        sync.Mutex
	saved     []domain.Chat
	media     map[string]domain.MediaFile
	mediaGets int
}

func (s *fakeStore) SaveChat(_ context.Context, chat domain.Chat) (domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, chat)
	return chat, nil
}

func (s *fakeStore) GetMedia(_ context.Context, id string) (domain.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaGets++
	m, ok := s.media[id]
	if !ok {
		return domain.MediaFile{}, store.ErrNotFound
	}
	return m, nil
}

type fakeTranscoder struct {
	called []string
}

func (t *fakeTranscoder) ToSpeechWAV(_ context.Context, _ []byte, filename string) ([]byte, error) {
	t.called = append(t.called, filename)
	return []byte("RIFF"), nil
}

type fixture struct {
	asst  *fakeAssistant
	store *fakeStore
	tc    *fakeTranscoder
	clock *fakeClock
	r     *Responder
}

func newFixture() *fixture {
	f := &fixture{
		asst:  &fakeAssistant{reply: "Ответ ассистента"},
		store: &fakeStore{media: map[string]domain.MediaFile{}},
		tc:    &fakeTranscoder{},
		clock: newFakeClock(),
	}
	f.r = New(Config{
		Assistant:  f.asst,
		Store:      f.store,
		Transcoder: f.tc,
		Poller:     Poller{Interval: time.Second, Timeout: 30 * time.Second, Clock: f.clock},
		Logger:     testLogger(),
	})
	return f
}

func chat() domain.Chat {
	return domain.Chat{ID: "chat1", PlatformChatID: "100", Source: domain.SourceTelegram, AutoMode: true}
}

func message(typ domain.MessageType, content, mediaID string) domain.Message {
	return domain.Message{
		ID: "msg1", Source: domain.SourceTelegram, ChatID: "chat1", Type: typ,
		Content: content, MediaFileID: mediaID, IsIncoming: true,
	}
}

func TestReply_TextCreatesAndPersistsThread(t *testing.T) {
	f := newFixture()
	f.asst.statuses = []string{assistant.RunQueued, assistant.RunInProgress, assistant.RunCompleted}

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageText, "Привет", ""))
	require.Equal(t, "Ответ ассистента", got)
	require.Equal(t, 1, f.asst.threadsCreated)
	require.Len(t, f.store.saved, 1)
	require.Equal(t, "thread_new", f.store.saved[0].AssistantThreadID)
	require.Equal(t, []string{"Привет"}, f.asst.prompts)
	require.Equal(t, 3, f.asst.getRunCalls)
	require.Equal(t, 2, f.clock.sleeps)
}

func TestReply_ReusesExistingThread(t *testing.T) {
	f := newFixture()
	c := chat()
	c.AssistantThreadID = "thread_old"

	require.Equal(t, "Ответ ассистента", f.r.Reply(context.Background(), c, message(domain.MessageText, "hi", "")))
	require.Zero(t, f.asst.threadsCreated)
	require.Empty(t, f.store.saved)
}

func TestReply_RunNeverFinishesFallsBack(t *testing.T) {
	f := newFixture()
	f.asst.statuses = []string{assistant.RunInProgress}

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageText, "hi", ""))
	require.Equal(t, FallbackReply, got)
	require.Equal(t, 31, f.asst.getRunCalls)
	require.Equal(t, 30*time.Second, f.clock.Now().Sub(time.Unix(1700000000, 0)))
}

func TestReply_RunFailureFallsBack(t *testing.T) {
	for _, status := range []string{assistant.RunFailed, assistant.RunCancelled, assistant.RunExpired} {
		t.Run(status, func(t *testing.T) {
			f := newFixture()
			f.asst.statuses = []string{assistant.RunInProgress, status}
			require.Equal(t, FallbackReply, f.r.Reply(context.Background(), chat(), message(domain.MessageText, "hi", "")))
			require.Equal(t, 2, f.asst.getRunCalls)
		})
	}
}

func TestReply_NoAssistantMessageFallsBack(t *testing.T) {
	f := newFixture()
	f.asst.reply = ""
	require.Equal(t, FallbackReply, f.r.Reply(context.Background(), chat(), message(domain.MessageText, "hi", "")))
}

func TestReply_ThreadCreationErrorFallsBack(t *testing.T) {
	f := newFixture()
	f.asst.threadErr = errors.New("boom")
	require.Equal(t, FallbackReply, f.r.Reply(context.Background(), chat(), message(domain.MessageText, "hi", "")))
}

func TestReply_VoiceEmptyTranscript(t *testing.T) {
	f := newFixture()
	f.store.media["m1"] = domain.MediaFile{ID: "m1", Filename: "voice_1.ogg", Data: []byte("OggS")}
	f.asst.transcript = "   "

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageVoice, "", "m1"))
	require.Equal(t, "Не удалось распознать текст в аудиосообщении.", got)
	require.Empty(t, f.asst.prompts, "text path must not run")
	require.Zero(t, f.asst.threadsCreated)
}

func TestReply_VoiceComposite(t *testing.T) {
	f := newFixture()
	f.store.media["m1"] = domain.MediaFile{ID: "m1", Filename: "voice_1.ogg", Data: []byte("OggS")}
	f.asst.transcript = "Сколько стоит доставка?"

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageVoice, "", "m1"))
	require.Equal(t, "Расшифровка: Сколько стоит доставка?\n\nОтвет: Ответ ассистента", got)
	require.Equal(t, []string{"voice_1.ogg"}, f.asst.transcribed)
	require.Empty(t, f.tc.called)
	require.Equal(t, []string{"Сколько стоит доставка?"}, f.asst.prompts)
}

func TestReply_AudioTranscodedWhenUnsupported(t *testing.T) {
	f := newFixture()
	f.store.media["m1"] = domain.MediaFile{ID: "m1", Filename: "note.amr", Data: []byte("#!AMR")}
	f.asst.transcript = "текст"

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageAudio, "", "m1"))
	require.Equal(t, "Расшифровка: текст\n\nОтвет: Ответ ассистента", got)
	require.Equal(t, []string{"note.amr"}, f.tc.called)
	require.Equal(t, []string{"note.wav"}, f.asst.transcribed)
}

func TestReply_ImageComposite(t *testing.T) {
	f := newFixture()
	f.store.media["img"] = domain.MediaFile{ID: "img", Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}
	f.asst.describe = "Красный велосипед"

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageImage, "Есть такой?", "img"))
	require.Equal(t, "Описание изображения: Красный велосипед\n\nОтвет: Ответ ассистента", got)
	require.Len(t, f.asst.prompts, 1)
	require.Contains(t, f.asst.prompts[0], "Есть такой?")
	require.Contains(t, f.asst.prompts[0], "Красный велосипед")
}

func TestReply_MissingMediaReference(t *testing.T) {
	f := newFixture()
	for _, typ := range []domain.MessageType{domain.MessageImage, domain.MessageVoice, domain.MessageAudio} {
		require.Equal(t, "Медиафайл не найден.", f.r.Reply(context.Background(), chat(), message(typ, "", "")))
	}
	require.Zero(t, f.store.mediaGets)
}

func TestReply_MediaLoadFailureFallsBack(t *testing.T) {
	f := newFixture()
	require.Equal(t, FallbackReply, f.r.Reply(context.Background(), chat(), message(domain.MessageImage, "", "gone")))
	require.Equal(t, 1, f.store.mediaGets)
}

func TestPoller_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		check    func(t *testing.T, err error)
		polls    int
	}{
		{
			name:     "completed",
			statuses: []string{assistant.RunQueued, assistant.RunRequiresAction, assistant.RunCompleted},
			check:    func(t *testing.T, err error) { require.NoError(t, err) },
			polls:    3,
		},
		{
			name:     "incomplete is a failure",
			statuses: []string{assistant.RunIncomplete},
			check: func(t *testing.T, err error) {
				var failed *RunFailedError
				require.True(t, errors.As(err, &failed))
				require.Equal(t, assistant.RunIncomplete, failed.Status)
			},
			polls: 1,
		},
		{
			name:     "timeout is distinct from failure",
			statuses: []string{assistant.RunInProgress},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrRunTimeout)
				var failed *RunFailedError
				require.False(t, errors.As(err, &failed))
			},
			polls: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			p := Poller{Interval: time.Second, Timeout: 5 * time.Second, Clock: clock}
			polls := 0
			_, err := p.Wait(context.Background(), func(context.Context) (assistant.Run, error) {
				i := polls
				if i >= len(tt.statuses) {
					i = len(tt.statuses) - 1
				}
				polls++
				return assistant.Run{ID: "r", Status: tt.statuses[i]}, nil
			})
			tt.check(t, err)
			require.Equal(t, tt.polls, polls)
		})
	}
}

func TestPoller_StatusErrorStops(t *testing.T) {
	p := Poller{Interval: time.Second, Timeout: 5 * time.Second, Clock: newFakeClock()}
	boom := errors.New("network down")
	_, err := p.Wait(context.Background(), func(context.Context) (assistant.Run, error) {
		return assistant.Run{}, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestPoller_StalledStatusCallTimesOut(t *testing.T) {
	p := Poller{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := p.Wait(ctx, func(ctx context.Context) (assistant.Run, error) {
		<-ctx.Done()
		return assistant.Run{}, ctx.Err()
	})
	require.ErrorIs(t, err, ErrRunTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestPoller_CallerCancellationPassesThrough(t *testing.T) {
	p := Poller{Interval: 10 * time.Millisecond, Timeout: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Wait(ctx, func(ctx context.Context) (assistant.Run, error) {
		<-ctx.Done()
		return assistant.Run{}, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrRunTimeout)
}

func TestReply_StalledRunCountsTimeout(t *testing.T) {
	f := newFixture()
	f.r.poller = Poller{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, Clock: realClock{}}
	f.asst.block = true
	before := metrics.AssistantTimeouts.Value()

	got := f.r.Reply(context.Background(), chat(), message(domain.MessageText, "Привет", ""))
	require.Equal(t, FallbackReply, got)
	require.Equal(t, before+1, metrics.AssistantTimeouts.Value())
}

func TestNeedsTranscode(t *testing.T) {
	for name, want := range map[string]bool{
		"voice.ogg": false, "song.MP3": false, "clip.m4a": false, "rec.wav": false,
		"note.oga": true, "note.opus": true, "call.amr": true, "video.3gp": true, "noext": true,
	} {
		if got := needsTranscode(name); got != want {
			t.Errorf("needsTranscode(%q) = %v, want %v", name, got, want)
		}
	}
}
