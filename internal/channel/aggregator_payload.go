package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/domain"
)

// PayloadError reports an aggregator webhook body of an unrecognized shape.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return "invalid aggregator payload: " + e.Reason
}

const (
	eventConversationStarted  = "conversationStarted"
	eventConversationFragment = "conversationFragment"
)

// AggregatorEvent is one of ConversationStarted or ConversationFragment.
type AggregatorEvent interface {
	Name() string
	Conversation() Visitor
	Items() []AggregatorMessage
}

// Visitor is the aggregator's description of the remote party.
type Visitor struct {
	ID            string `json:"id"`
	ThreadID      string `json:"threadId"`
	Source        string `json:"source"`
	DisplayedName string `json:"displayedName"`
}

// AggregatorMessage kinds.
const (
	kindVisitor = "visitor"
	kindAgent   = "agent"
	kindSystem  = "system"
)

type Attachment struct {
	Type     string `json:"type"` // image | voice | audio | file ...
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type AggregatorMessage struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"` // visitor | agent | system
	Text        string       `json:"text"`
	CreatedAt   json.Number  `json:"createdAt"`
	AgentID     string       `json:"agentId"`
	AgentName   string       `json:"agentName"`
	External    bool         `json:"external"`
	Attachments []Attachment `json:"attachments"`
}

type ConversationStarted struct {
	Visitor  Visitor
	Messages []AggregatorMessage
}

func (ConversationStarted) Name() string { return eventConversationStarted }
func (e ConversationStarted) Conversation() Visitor { return e.Visitor }
func (e ConversationStarted) Items() []AggregatorMessage { return e.Messages }

type ConversationFragment struct {
	Visitor  Visitor
	Messages []AggregatorMessage
}

func (ConversationFragment) Name() string { return eventConversationFragment }
func (e ConversationFragment) Conversation() Visitor { return e.Visitor }
func (e ConversationFragment) Items() []AggregatorMessage { return e.Messages }

type rawAggregatorPayload struct {
	EventName string              `json:"eventName"`
	Visitor   *Visitor            `json:"visitor"`
	Message   *AggregatorMessage  `json:"message"`
	Messages  []AggregatorMessage `json:"messages"`
}

// ParseAggregatorPayload turns a webhook body into a tagged event. The single
// `message` and the `messages` array forms are merged into one list.
func ParseAggregatorPayload(body []byte) (AggregatorEvent, error) {
	var raw rawAggregatorPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &PayloadError{Reason: "malformed json: " + err.Error()}
	}
	if raw.Visitor == nil {
		return nil, &PayloadError{Reason: "missing visitor"}
	}
	if raw.Visitor.ThreadID == "" {
		return nil, &PayloadError{Reason: "missing visitor.threadId"}
	}
	if _, err := aggregatorSource(raw.Visitor.Source); err != nil {
		return nil, &PayloadError{Reason: err.Error()}
	}

	msgs := raw.Messages
	if raw.Message != nil {
		msgs = append([]AggregatorMessage{*raw.Message}, msgs...)
	}
	for i, m := range msgs {
		if m.ID == "" {
			return nil, &PayloadError{Reason: fmt.Sprintf("message %d has no id", i)}
		}
	}

	switch raw.EventName {
	case eventConversationStarted:
		return ConversationStarted{Visitor: *raw.Visitor, Messages: msgs}, nil
	case eventConversationFragment:
		return ConversationFragment{Visitor: *raw.Visitor, Messages: msgs}, nil
	default:
		return nil, &PayloadError{Reason: fmt.Sprintf("unknown eventName %q", raw.EventName)}
	}
}

func aggregatorSource(tag string) (domain.Source, error) {
	src, err := domain.ParseSource(tag)
	if err != nil {
		return "", err
	}
	if !src.ViaAggregator() {
		return "", fmt.Errorf("source %q is not served by the aggregator", tag)
	}
	return src, nil
}

// parseCreatedAt reads epoch milliseconds. Values below 1e12 are taken as
// seconds. A missing value yields the zero time.
func parseCreatedAt(n json.Number) time.Time {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	if f < 1e12 {
		return time.Unix(int64(f), 0).UTC()
	}
	return time.UnixMilli(int64(f)).UTC()
}

// bucketAttachment maps an aggregator attachment type onto a message type.
// Voice notes and audio files share the audio bucket.
func bucketAttachment(kind string) (domain.MessageType, bool) {
	switch strings.ToLower(kind) {
	case "image":
		return domain.MessageImage, true
	case "voice", "audio":
		return domain.MessageAudio, true
	}
	return "", false
}
