package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/internal/domain"
)

const startedPayload = `{
	"eventName": "conversationStarted",
	"visitor": {"id": "v1", "threadId": "t1", "source": "whatsapp", "displayedName": "Ana"},
	"message": {"id": "m1", "type": "visitor", "text": "Hola", "createdAt": 1700000000000}
}`

func newTestAggregator(baseURL string) *Aggregator {
	return NewAggregator(AggregatorConfig{
		BaseURL:    baseURL,
		Token:      "agg-token",
		BotAgentID: "bot-agent",
		Logger:     testLogger(),
	})
}

func TestParseAggregatorPayload_SingleMessage(t *testing.T) {
	ev, err := ParseAggregatorPayload([]byte(startedPayload))
	require.NoError(t, err)

	started, ok := ev.(ConversationStarted)
	require.True(t, ok, "expected ConversationStarted, got %T", ev)
	require.Equal(t, "t1", started.Visitor.ThreadID)
	require.Len(t, started.Messages, 1)
	require.Equal(t, "Hola", started.Messages[0].Text)
}

func TestParseAggregatorPayload_MessagesArray(t *testing.T) {
	body := `{"eventName":"conversationFragment","visitor":{"id":"v1","threadId":"t1","source":"instagram"},
		"messages":[{"id":"a","type":"visitor","text":"one"},{"id":"b","type":"visitor","text":"two"}]}`
	ev, err := ParseAggregatorPayload([]byte(body))
	require.NoError(t, err)
	require.IsType(t, ConversationFragment{}, ev)
	require.Equal(t, eventConversationFragment, ev.Name())
	require.Len(t, ev.Items(), 2)
}

func TestParseAggregatorPayload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown event", `{"eventName":"conversationClosed","visitor":{"id":"v","threadId":"t","source":"whatsapp"}}`},
		{"no visitor", `{"eventName":"conversationStarted","message":{"id":"m","type":"visitor","text":"x"}}`},
		{"no thread", `{"eventName":"conversationStarted","visitor":{"id":"v","source":"whatsapp"}}`},
		{"telegram source", `{"eventName":"conversationStarted","visitor":{"id":"v","threadId":"t","source":"telegram"}}`},
		{"unknown source", `{"eventName":"conversationStarted","visitor":{"id":"v","threadId":"t","source":"icq"}}`},
		{"message without id", `{"eventName":"conversationStarted","visitor":{"id":"v","threadId":"t","source":"vk"},"message":{"type":"visitor","text":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAggregatorPayload([]byte(tt.body))
			var perr *PayloadError
			require.True(t, errors.As(err, &perr), "expected *PayloadError, got %v", err)
		})
	}
}

func TestAggregator_NormalizeVisitorMessage(t *testing.T) {
	ev, err := ParseAggregatorPayload([]byte(startedPayload))
	require.NoError(t, err)

	ins := newTestAggregator("http://unused").Normalize(ev)
	require.Len(t, ins, 1)
	in := ins[0]
	require.Equal(t, "aggregator:m1", in.EventID)
	require.Equal(t, ChatRef{PlatformChatID: "t1", Source: domain.SourceWhatsApp, Name: "Ana", VisitorID: "v1"}, in.Chat)
	require.Equal(t, domain.MessageText, in.Message.Type)
	require.Equal(t, "Hola", in.Message.Content)
	require.True(t, in.Message.IsIncoming)
	require.Equal(t, "v1", in.Message.SenderID)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), in.Message.Timestamp)
	require.Nil(t, in.Media)
}

func TestAggregator_NormalizeFiltersEchoesAndSystem(t *testing.T) {
	body := `{"eventName":"conversationFragment","visitor":{"id":"v1","threadId":"t1","source":"avito"},"messages":[
		{"id":"1","type":"system","text":"conversation assigned"},
		{"id":"2","type":"agent","text":"auto reply","agentId":"bot-agent"},
		{"id":"3","type":"agent","text":"sent via api","agentId":"someone","external":true},
		{"id":"4","type":"agent","text":"operator here","agentId":"op-9","agentName":"Olga"},
		{"id":"5","type":"visitor","text":"   "}
	]}`
	ev, err := ParseAggregatorPayload([]byte(body))
	require.NoError(t, err)

	ins := newTestAggregator("http://unused").Normalize(ev)
	require.Len(t, ins, 1)
	op := ins[0].Message
	require.Equal(t, "4", op.PlatformMessageID)
	require.False(t, op.IsIncoming)
	require.Equal(t, domain.ResponseManual, op.ResponseMode)
	require.Equal(t, "op-9", op.SenderID)
	require.Equal(t, "Olga", op.SenderName)
}

func TestAggregator_AttachmentBucketing(t *testing.T) {
	tests := []struct {
		kind string
		want domain.MessageType
	}{
		{"image", domain.MessageImage},
		{"voice", domain.MessageAudio},
		{"audio", domain.MessageAudio},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			raw := map[string]any{
				"eventName": "conversationFragment",
				"visitor":   map[string]any{"id": "v", "threadId": "t", "source": "viber"},
				"message": map[string]any{
					"id": "m", "type": "visitor", "text": "caption",
					"attachments": []any{map[string]any{"type": tt.kind, "url": "https://cdn.example/f", "name": "f.bin"}},
				},
			}
			body, _ := json.Marshal(raw)
			ev, err := ParseAggregatorPayload(body)
			require.NoError(t, err)

			ins := newTestAggregator("http://unused").Normalize(ev)
			require.Len(t, ins, 1)
			require.Equal(t, tt.want, ins[0].Message.Type)
			require.Equal(t, "caption", ins[0].Message.Content)
			require.NotNil(t, ins[0].Media)
			require.Equal(t, "https://cdn.example/f", ins[0].Media.URL)
		})
	}
}

func TestParseCreatedAt(t *testing.T) {
	require.Equal(t, time.Unix(1700000000, 0).UTC(), parseCreatedAt(json.Number("1700000000000")))
	require.Equal(t, time.Unix(1700000000, 0).UTC(), parseCreatedAt(json.Number("1700000000")))
	require.True(t, parseCreatedAt(json.Number("")).IsZero())
	require.True(t, parseCreatedAt(json.Number("-5")).IsZero())
}

func TestAggregator_MissingCreatedAtUsesNow(t *testing.T) {
	a := newTestAggregator("http://unused")
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	ev := ConversationFragment{
		Visitor:  Visitor{ID: "v", ThreadID: "t", Source: "vk"},
		Messages: []AggregatorMessage{{ID: "m", Type: kindVisitor, Text: "hi"}},
	}
	ins := a.Normalize(ev)
	require.Len(t, ins, 1)
	require.Equal(t, fixed, ins[0].Message.Timestamp)
}

func TestAggregator_SendOutbound(t *testing.T) {
	var got aggregatorSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "Bearer agg-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"messageId":"ext-1"}`)
	}))
	defer srv.Close()

	a := newTestAggregator(srv.URL + "/")
	id, err := a.SendOutbound(context.Background(), Target{
		Source: domain.SourceWhatsApp, PlatformChatID: "t1", VisitorID: "v1",
	}, "Hello")
	require.NoError(t, err)
	require.Equal(t, "ext-1", id)
	require.Equal(t, "v1", got.VisitorID)
	require.Equal(t, "t1", got.ThreadID)
	require.Equal(t, "Hello", got.Text)
	require.Equal(t, "bot-agent", got.AgentID)
	require.True(t, got.External)
	require.NotEmpty(t, got.ClientMessageID)
}

func TestAggregator_SendOutboundErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream down")
	}))
	defer srv.Close()
	a := newTestAggregator(srv.URL)

	_, err := a.SendOutbound(context.Background(), Target{PlatformChatID: "t1"}, "x")
	require.ErrorContains(t, err, "visitor id")

	_, err = a.SendOutbound(context.Background(), Target{PlatformChatID: "t1", VisitorID: "v1"}, "x")
	require.ErrorContains(t, err, "502")
}

func TestAggregator_FetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "\xff\xd8\xff\xe0 jpeg bytes")
	}))
	defer srv.Close()
	a := newTestAggregator("http://unused")

	media, err := a.FetchMedia(context.Background(), MediaRef{URL: srv.URL + "/pic.jpg"})
	require.NoError(t, err)
	require.Equal(t, "pic.jpg", media.Filename)
	require.Equal(t, "image/jpeg", media.ContentType)

	_, err = a.FetchMedia(context.Background(), MediaRef{URL: srv.URL + "/missing.jpg"})
	require.Error(t, err)

	_, err = a.FetchMedia(context.Background(), MediaRef{})
	require.Error(t, err)
}

func TestRegistry_ForSource(t *testing.T) {
	agg := newTestAggregator("http://unused")
	r := NewRegistry(agg, nil)

	got, err := r.ForSource(domain.SourceAvito)
	require.NoError(t, err)
	require.Same(t, agg, got)

	_, err = r.ForSource(domain.SourceTelegram)
	require.ErrorIs(t, err, ErrUnsupportedSource)
	require.Len(t, r.Sources(), 6)
}
