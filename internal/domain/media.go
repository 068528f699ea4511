package domain

import (
	"context"
	"time"
)

// MediaFile is a persisted binary attachment.
type MediaFile struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Source      Source    `json:"source"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created"`
}

// Transcoder re-encodes audio into a format the speech recognizer accepts.
type Transcoder interface {
	// ToSpeechWAV returns mono 16 kHz WAV bytes.
	ToSpeechWAV(ctx context.Context, data []byte, filename string) ([]byte, error)
}
