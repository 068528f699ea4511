package domain

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the platform a chat or message originates from.
type Source string

const (
	SourceTelegram  Source = "telegram"
	SourceWhatsApp  Source = "whatsapp"
	SourceInstagram Source = "instagram"
	SourceFacebook  Source = "facebook"
	SourceVK        Source = "vk"
	SourceViber     Source = "viber"
	SourceAvito     Source = "avito"
)

var knownSources = map[Source]bool{
	SourceTelegram:  true,
	SourceWhatsApp:  true,
	SourceInstagram: true,
	SourceFacebook:  true,
	SourceVK:        true,
	SourceViber:     true,
	SourceAvito:     true,
}

// ParseSource normalizes a platform tag. Unknown tags return an error.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if !knownSources[src] {
		return "", fmt.Errorf("unknown source %q", s)
	}
	return src, nil
}

func (s Source) Valid() bool { return knownSources[s] }

// ViaAggregator reports whether messages for this source travel through the
// conversations aggregator rather than the direct bot channel.
func (s Source) ViaAggregator() bool {
	return s.Valid() && s != SourceTelegram
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
	MessageAudio MessageType = "audio"
)

// IsAudio reports whether the message goes through speech recognition.
func (t MessageType) IsAudio() bool {
	return t == MessageVoice || t == MessageAudio
}

// ResponseMode records who produced a message: a human (manual) or the assistant (auto).
type ResponseMode string

const (
	ResponseManual ResponseMode = "manual"
	ResponseAuto   ResponseMode = "auto"
)

// Message is the canonical, platform-independent message record.
type Message struct {
	ID                string       `json:"id"`
	PlatformMessageID string       `json:"platformMessageId"`
	Source            Source       `json:"source"`
	ChatID            string       `json:"chat"`
	Type              MessageType  `json:"type"`
	Content           string       `json:"content"`
	MediaFileID       string       `json:"mediaFile,omitempty"`
	IsIncoming        bool         `json:"isIncoming"`
	Timestamp         time.Time    `json:"timestamp"` // platform event time
	SenderID          string       `json:"senderId"`
	SenderName        string       `json:"senderName"`
	ResponseMode      ResponseMode `json:"responseMode"`
}

// NewOutboundMessage builds a message sent from our side into a chat.
// Outbound messages are never incoming.
func NewOutboundMessage(chat Chat, platformMessageID, text string, mode ResponseMode, senderID, senderName string, at time.Time) Message {
	return Message{
		PlatformMessageID: platformMessageID,
		Source:            chat.Source,
		ChatID:            chat.ID,
		Type:              MessageText,
		Content:           text,
		IsIncoming:        false,
		Timestamp:         at,
		SenderID:          senderID,
		SenderName:        senderName,
		ResponseMode:      mode,
	}
}
