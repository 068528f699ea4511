// Package channel translates platform-native events into canonical chats and
// messages, downloads their attachments and delivers replies back out.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"

	"chatbridge/internal/domain"
)

// ErrUnsupportedSource is returned when no adapter serves a source tag.
var ErrUnsupportedSource = errors.New("unsupported source")

const maxMediaBytes = 20 << 20

// ChatRef identifies the platform conversation an event belongs to.
type ChatRef struct {
	PlatformChatID string
	Source         domain.Source
	Name           string
	VisitorID      string // aggregator only
}

// MediaRef points at an attachment that still has to be downloaded.
type MediaRef struct {
	FileID      string // platform file handle, when the platform has one
	URL         string
	Filename    string
	ContentType string
}

// Media is a downloaded attachment.
type Media struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Inbound is one normalized platform event. Message.ChatID is empty until the
// chat is resolved in the store.
type Inbound struct {
	EventID string // dedup key, unique per platform event
	Chat    ChatRef
	Message domain.Message
	Media   *MediaRef
}

// Target addresses an outbound message.
type Target struct {
	Source         domain.Source
	PlatformChatID string
	VisitorID      string // aggregator visitor, empty for telegram
}

// Adapter is one platform integration.
type Adapter interface {
	Name() string
	Sources() []domain.Source
	FetchMedia(ctx context.Context, ref MediaRef) (Media, error)
	// SendOutbound delivers text and returns the platform message id, which
	// may be empty when the platform does not report one.
	SendOutbound(ctx context.Context, target Target, text string) (string, error)
}

// Handler consumes normalized inbound events.
type Handler interface {
	Handle(ctx context.Context, adapter Adapter, in Inbound)
}

// Registry routes outbound sends to the adapter serving a source.
type Registry struct {
	bySource map[domain.Source]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{bySource: make(map[domain.Source]Adapter)}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		for _, s := range a.Sources() {
			r.bySource[s] = a
		}
	}
	return r
}

func (r *Registry) ForSource(source domain.Source) (Adapter, error) {
	a, ok := r.bySource[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
	return a, nil
}

// Sources lists every routable source, sorted.
func (r *Registry) Sources() []domain.Source {
	out := make([]domain.Source, 0, len(r.bySource))
	for s := range r.bySource {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// download fetches url with a size cap. Missing filename and content type
// are filled from the response.
func download(ctx context.Context, client *http.Client, url, filename, contentType string) (Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Media{}, fmt.Errorf("build media request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Media{}, fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return Media{}, fmt.Errorf("read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return Media{}, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	if len(data) == 0 {
		return Media{}, errors.New("media is empty")
	}

	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if filename == "" {
		filename = path.Base(req.URL.Path)
	}
	return Media{Data: data, Filename: filename, ContentType: contentType}, nil
}
