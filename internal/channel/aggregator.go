package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/domain"
)

const aggregatorMaxErrorBody = 2048

// Aggregator is the conversations-aggregator channel covering the social
// platforms. Inbound events arrive on the webhook; replies go out through its
// messages API.
type Aggregator struct {
	baseURL    string
	token      string
	botAgentID string
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type AggregatorConfig struct {
	BaseURL string
	Token   string
	// BotAgentID is the agent id our automated sends are attributed to.
	// Agent messages carrying it are echoes and are dropped.
	BotAgentID string
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Aggregator{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		botAgentID: cfg.BotAgentID,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

func (a *Aggregator) Name() string { return "aggregator" }

func (a *Aggregator) Sources() []domain.Source {
	return []domain.Source{
		domain.SourceWhatsApp,
		domain.SourceInstagram,
		domain.SourceFacebook,
		domain.SourceVK,
		domain.SourceViber,
		domain.SourceAvito,
	}
}

// Normalize expands an event into inbound messages. System messages, echoes
// of our own sends and empty messages are dropped.
func (a *Aggregator) Normalize(ev AggregatorEvent) []Inbound {
	v := ev.Conversation()
	source, err := aggregatorSource(v.Source)
	if err != nil {
		// ParseAggregatorPayload already rejects these.
		return nil
	}
	chat := ChatRef{
		PlatformChatID: v.ThreadID,
		Source:         source,
		Name:           v.DisplayedName,
		VisitorID:      v.ID,
	}

	var out []Inbound
	for _, m := range ev.Items() {
		switch m.Type {
		case kindVisitor, kindAgent:
		case kindSystem:
			continue
		default:
			a.logger.Debug("aggregator message of unknown kind skipped", "message_id", m.ID, "kind", m.Type)
			continue
		}
		if a.isEcho(m) {
			a.logger.Debug("aggregator echo dropped", "message_id", m.ID, "agent_id", m.AgentID)
			continue
		}

		msg := domain.Message{
			PlatformMessageID: m.ID,
			Source:            source,
			Type:              domain.MessageText,
			Content:           m.Text,
			Timestamp:         parseCreatedAt(m.CreatedAt),
			ResponseMode:      domain.ResponseManual,
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = a.now().UTC()
		}
		if m.Type == kindVisitor {
			msg.IsIncoming = true
			msg.SenderID = v.ID
			msg.SenderName = v.DisplayedName
		} else {
			msg.SenderID = m.AgentID
			msg.SenderName = m.AgentName
		}

		var media *MediaRef
		for _, att := range m.Attachments {
			if typ, ok := bucketAttachment(att.Type); ok && att.URL != "" {
				msg.Type = typ
				media = &MediaRef{URL: att.URL, Filename: att.Name, ContentType: att.MimeType}
				break
			}
		}
		if media == nil && strings.TrimSpace(m.Text) == "" {
			continue
		}

		out = append(out, Inbound{
			EventID: "aggregator:" + m.ID,
			Chat:    chat,
			Message: msg,
			Media:   media,
		})
	}
	return out
}

// isEcho recognizes our own automated replies coming back as agent messages.
func (a *Aggregator) isEcho(m AggregatorMessage) bool {
	if m.Type != kindAgent {
		return false
	}
	return m.External || (a.botAgentID != "" && m.AgentID == a.botAgentID)
}

func (a *Aggregator) FetchMedia(ctx context.Context, ref MediaRef) (Media, error) {
	if ref.URL == "" {
		return Media{}, errors.New("aggregator media: missing url")
	}
	return download(ctx, a.client, ref.URL, ref.Filename, ref.ContentType)
}

type aggregatorSendRequest struct {
	VisitorID       string `json:"visitorId"`
	ThreadID        string `json:"threadId"`
	Source          string `json:"source"`
	Text            string `json:"text"`
	AgentID         string `json:"agentId,omitempty"`
	External        bool   `json:"external"`
	ClientMessageID string `json:"clientMessageId"`
}

func (a *Aggregator) SendOutbound(ctx context.Context, target Target, text string) (string, error) {
	if target.VisitorID == "" {
		return "", errors.New("aggregator send: visitor id is required")
	}
	body, err := json.Marshal(aggregatorSendRequest{
		VisitorID:       target.VisitorID,
		ThreadID:        target.PlatformChatID,
		Source:          string(target.Source),
		Text:            text,
		AgentID:         a.botAgentID,
		External:        true,
		ClientMessageID: uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("aggregator send: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBody) > aggregatorMaxErrorBody {
			respBody = respBody[:aggregatorMaxErrorBody]
		}
		return "", fmt.Errorf("aggregator send: status %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			a.logger.Debug("aggregator send response not json", "err", err)
		}
	}
	if out.MessageID != "" {
		return out.MessageID, nil
	}
	return out.ID, nil
}
