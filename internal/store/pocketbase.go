package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

const (
	collectionChats    = "chats"
	collectionMessages = "messages"
	collectionMedia    = "media"

	pbTimeLayout   = "2006-01-02 15:04:05.000Z07:00"
	pbMaxErrorBody = 4096
	pbMaxFileBytes = 50 << 20
)

// PocketBase is a Backend speaking the PocketBase record REST API. The
// superuser token it holds expires server-side; any 401/403 is reported as
// ErrSessionExpired so the gateway can log in again.
type PocketBase struct {
	baseURL  string
	identity string
	password string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.RWMutex
	token string
}

type PocketBaseConfig struct {
	URL      string
	Identity string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

func NewPocketBase(cfg PocketBaseConfig) *PocketBase {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &PocketBase{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		identity: cfg.Identity,
		password: cfg.Password,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
	}
}

// Authenticate logs in as superuser and replaces the held token. Concurrent
// calls each perform a fresh login; the last one wins.
func (p *PocketBase) Authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"identity": p.identity, "password": p.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/collections/_superusers/auth-with-password", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pocketbase auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, pbMaxErrorBody))
		return fmt.Errorf("pocketbase auth %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("pocketbase auth: empty token")
	}

	p.mu.Lock()
	p.token = out.Token
	p.mu.Unlock()
	p.logger.Debug("pocketbase session established")
	return nil
}

func (p *PocketBase) authToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// do sends a request and decodes a JSON response into out (if non-nil),
// mapping status codes onto the store error taxonomy.
func (p *PocketBase) do(ctx context.Context, method, path, contentType string, body io.Reader, collection string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := p.authToken(); tok != "" {
		req.Header.Set("Authorization", tok)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pocketbase %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrSessionExpired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, pbMaxErrorBody))
		return &ValidationError{Collection: collection, Detail: strings.TrimSpace(string(b))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, pbMaxErrorBody))
		return fmt.Errorf("pocketbase %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", collection, err)
	}
	return nil
}

func (p *PocketBase) doJSON(ctx context.Context, method, path string, in any, collection string, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", collection, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return p.do(ctx, method, path, contentType, body, collection, out)
}

func recordsPath(collection string) string {
	return "/api/collections/" + collection + "/records"
}

func listPath(collection, filter, sort string, perPage int) string {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	q.Set("perPage", strconv.Itoa(perPage))
	q.Set("skipTotal", "true")
	return recordsPath(collection) + "?" + q.Encode()
}

// pbQuote renders a string literal for a PocketBase filter expression.
func pbQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// pbTime is a timestamp in PocketBase's datetime format.
type pbTime time.Time

func (t pbTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Time(t).UTC().Format(pbTimeLayout))
}

func (t *pbTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = pbTime{}
		return nil
	}
	for _, layout := range []string{pbTimeLayout, "2006-01-02 15:04:05Z07:00", time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = pbTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized datetime %q", s)
}

type pbChat struct {
	ID             string `json:"id,omitempty"`
	PlatformChatID string `json:"platformChatId"`
	Source         string `json:"source"`
	Name           string `json:"name"`
	AutoMode       bool   `json:"autoMode"`
	OpenAIThreadID string `json:"openAIThreadId"`
	Updated        pbTime `json:"updated,omitempty"`
}

func (r pbChat) toDomain() domain.Chat {
	return domain.Chat{
		ID:                r.ID,
		PlatformChatID:    r.PlatformChatID,
		Source:            domain.Source(r.Source),
		Name:              r.Name,
		AutoMode:          r.AutoMode,
		AssistantThreadID: r.OpenAIThreadID,
		UpdatedAt:         time.Time(r.Updated),
	}
}

func chatRecord(c domain.Chat) pbChat {
	return pbChat{
		PlatformChatID: c.PlatformChatID,
		Source:         string(c.Source),
		Name:           c.Name,
		AutoMode:       c.AutoMode,
		OpenAIThreadID: c.AssistantThreadID,
	}
}

type pbMessage struct {
	ID                string `json:"id,omitempty"`
	PlatformMessageID string `json:"platformMessageId"`
	Source            string `json:"source"`
	Chat              string `json:"chat"`
	Type              string `json:"type"`
	Content           string `json:"content"`
	MediaFile         string `json:"mediaFile"`
	IsIncoming        bool   `json:"isIncoming"`
	Timestamp         pbTime `json:"timestamp"`
	SenderID          string `json:"senderId"`
	SenderName        string `json:"senderName"`
	ResponseMode      string `json:"responseMode"`
}

func (r pbMessage) toDomain() domain.Message {
	return domain.Message{
		ID:                r.ID,
		PlatformMessageID: r.PlatformMessageID,
		Source:            domain.Source(r.Source),
		ChatID:            r.Chat,
		Type:              domain.MessageType(r.Type),
		Content:           r.Content,
		MediaFileID:       r.MediaFile,
		IsIncoming:        r.IsIncoming,
		Timestamp:         time.Time(r.Timestamp),
		SenderID:          r.SenderID,
		SenderName:        r.SenderName,
		ResponseMode:      domain.ResponseMode(r.ResponseMode),
	}
}

type pbList[T any] struct {
	Items []T `json:"items"`
}

func (p *PocketBase) FindChat(ctx context.Context, source domain.Source, platformChatID string) (domain.Chat, error) {
	filter := fmt.Sprintf("source=%s && platformChatId=%s", pbQuote(string(source)), pbQuote(platformChatID))
	var list pbList[pbChat]
	if err := p.doJSON(ctx, http.MethodGet, listPath(collectionChats, filter, "", 1), nil, collectionChats, &list); err != nil {
		return domain.Chat{}, err
	}
	if len(list.Items) == 0 {
		return domain.Chat{}, ErrNotFound
	}
	return list.Items[0].toDomain(), nil
}

func (p *PocketBase) GetChat(ctx context.Context, id string) (domain.Chat, error) {
	var rec pbChat
	if err := p.doJSON(ctx, http.MethodGet, recordsPath(collectionChats)+"/"+url.PathEscape(id), nil, collectionChats, &rec); err != nil {
		return domain.Chat{}, err
	}
	return rec.toDomain(), nil
}

func (p *PocketBase) CreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	var rec pbChat
	if err := p.doJSON(ctx, http.MethodPost, recordsPath(collectionChats), chatRecord(chat), collectionChats, &rec); err != nil {
		return domain.Chat{}, err
	}
	return rec.toDomain(), nil
}

func (p *PocketBase) UpdateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	var rec pbChat
	path := recordsPath(collectionChats) + "/" + url.PathEscape(chat.ID)
	if err := p.doJSON(ctx, http.MethodPatch, path, chatRecord(chat), collectionChats, &rec); err != nil {
		return domain.Chat{}, err
	}
	return rec.toDomain(), nil
}

// TouchChat saves the chat record unchanged; PocketBase stamps its "updated"
// autodate field on every save, which is what ListChats sorts by.
func (p *PocketBase) TouchChat(ctx context.Context, id string, _ time.Time) error {
	path := recordsPath(collectionChats) + "/" + url.PathEscape(id)
	return p.doJSON(ctx, http.MethodPatch, path, struct{}{}, collectionChats, nil)
}

func (p *PocketBase) ListChats(ctx context.Context, filter domain.ChatFilter) ([]domain.Chat, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	expr := ""
	if filter.Source != "" {
		expr = "source=" + pbQuote(string(filter.Source))
	}
	var list pbList[pbChat]
	if err := p.doJSON(ctx, http.MethodGet, listPath(collectionChats, expr, "-updated", limit), nil, collectionChats, &list); err != nil {
		return nil, err
	}
	chats := make([]domain.Chat, 0, len(list.Items))
	for _, rec := range list.Items {
		chats = append(chats, rec.toDomain())
	}
	return chats, nil
}

func (p *PocketBase) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	in := pbMessage{
		PlatformMessageID: msg.PlatformMessageID,
		Source:            string(msg.Source),
		Chat:              msg.ChatID,
		Type:              string(msg.Type),
		Content:           msg.Content,
		MediaFile:         msg.MediaFileID,
		IsIncoming:        msg.IsIncoming,
		Timestamp:         pbTime(msg.Timestamp),
		SenderID:          msg.SenderID,
		SenderName:        msg.SenderName,
		ResponseMode:      string(msg.ResponseMode),
	}
	var rec pbMessage
	if err := p.doJSON(ctx, http.MethodPost, recordsPath(collectionMessages), in, collectionMessages, &rec); err != nil {
		return domain.Message{}, err
	}
	return rec.toDomain(), nil
}

func (p *PocketBase) FindMessage(ctx context.Context, platformMessageID, senderID string) (domain.Message, error) {
	filter := fmt.Sprintf("platformMessageId=%s && senderId=%s", pbQuote(platformMessageID), pbQuote(senderID))
	var list pbList[pbMessage]
	if err := p.doJSON(ctx, http.MethodGet, listPath(collectionMessages, filter, "", 1), nil, collectionMessages, &list); err != nil {
		return domain.Message{}, err
	}
	if len(list.Items) == 0 {
		return domain.Message{}, ErrNotFound
	}
	return list.Items[0].toDomain(), nil
}

// ListMessages returns the last limit messages of a chat, oldest first.
func (p *PocketBase) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	var list pbList[pbMessage]
	path := listPath(collectionMessages, "chat="+pbQuote(chatID), "-timestamp", limit)
	if err := p.doJSON(ctx, http.MethodGet, path, nil, collectionMessages, &list); err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, len(list.Items))
	for i, rec := range list.Items {
		msgs[len(list.Items)-1-i] = rec.toDomain()
	}
	return msgs, nil
}

type pbMedia struct {
	ID          string `json:"id"`
	File        string `json:"file"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Platform    string `json:"platform"`
	Created     pbTime `json:"created"`
}

func (p *PocketBase) CreateMedia(ctx context.Context, media domain.MediaFile) (domain.MediaFile, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	w.WriteField("filename", media.Filename)
	w.WriteField("contentType", media.ContentType)
	w.WriteField("platform", string(media.Source))

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, media.Filename))
	if media.ContentType != "" {
		h.Set("Content-Type", media.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return domain.MediaFile{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return domain.MediaFile{}, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return domain.MediaFile{}, fmt.Errorf("close multipart: %w", err)
	}

	var rec pbMedia
	if err := p.do(ctx, http.MethodPost, recordsPath(collectionMedia), w.FormDataContentType(), &body, collectionMedia, &rec); err != nil {
		return domain.MediaFile{}, err
	}
	media.ID = rec.ID
	media.CreatedAt = time.Time(rec.Created)
	return media, nil
}

func (p *PocketBase) GetMedia(ctx context.Context, id string) (domain.MediaFile, error) {
	var rec pbMedia
	if err := p.doJSON(ctx, http.MethodGet, recordsPath(collectionMedia)+"/"+url.PathEscape(id), nil, collectionMedia, &rec); err != nil {
		return domain.MediaFile{}, err
	}
	if rec.File == "" {
		return domain.MediaFile{}, ErrNotFound
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/api/files/"+collectionMedia+"/"+url.PathEscape(rec.ID)+"/"+url.PathEscape(rec.File), nil)
	if err != nil {
		return domain.MediaFile{}, fmt.Errorf("build file request: %w", err)
	}
	if tok := p.authToken(); tok != "" {
		req.Header.Set("Authorization", tok)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.MediaFile{}, fmt.Errorf("download media %s: %w", id, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.MediaFile{}, ErrSessionExpired
	case http.StatusNotFound:
		return domain.MediaFile{}, ErrNotFound
	default:
		return domain.MediaFile{}, fmt.Errorf("download media %s: status %d", id, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, pbMaxFileBytes))
	if err != nil {
		return domain.MediaFile{}, fmt.Errorf("read media %s: %w", id, err)
	}

	filename := rec.Filename
	if filename == "" {
		filename = rec.File
	}
	return domain.MediaFile{
		ID:          rec.ID,
		Filename:    filename,
		ContentType: rec.ContentType,
		Source:      domain.Source(rec.Platform),
		Data:        data,
		CreatedAt:   time.Time(rec.Created),
	}, nil
}

func (p *PocketBase) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
