package domain

import "time"

// Chat is one conversation on one platform. There is exactly one Chat per
// (Source, PlatformChatID) pair.
type Chat struct {
	ID                string    `json:"id"`
	PlatformChatID    string    `json:"platformChatId"`
	Source            Source    `json:"source"`
	Name              string    `json:"name"`
	UpdatedAt         time.Time `json:"updated"`
	AutoMode          bool      `json:"autoMode"`
	AssistantThreadID string    `json:"openAIThreadId"`
}

// ChatFilter narrows chat listings. Zero values match everything.
type ChatFilter struct {
	Source Source
	Limit  int
}
