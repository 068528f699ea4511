// Package assistant is a raw-HTTP client for the OpenAI Assistants v2 API
// plus the vision and speech-to-text endpoints the responder needs.
package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoReply means the thread has no assistant message with text content.
var ErrNoReply = errors.New("assistant: no text reply in thread")

const (
	defaultAPIBase         = "https://api.openai.com/v1"
	defaultVisionModel     = "gpt-4o-mini"
	defaultTranscribeModel = "whisper-1"
	defaultVisionPrompt    = "Опиши подробно, что изображено на картинке."

	maxResponseBytes = 1 << 20
)

// Run statuses.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCancelling     = "cancelling"
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunCancelled      = "cancelled"
	RunExpired        = "expired"
	RunIncomplete     = "incomplete"
)

// Run is one execution of the assistant against a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Config struct {
	APIKey          string
	APIBase         string
	AssistantID     string
	VisionModel     string
	VisionPrompt    string
	TranscribeModel string
	Language        string // optional ISO-639-1 hint for transcription
	Timeout         time.Duration
	Logger          *slog.Logger
}

type Client struct {
	apiKey          string
	apiBase         string
	assistantID     string
	visionModel     string
	visionPrompt    string
	transcribeModel string
	language        string
	client          *http.Client
	backoff         time.Duration
	logger          *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = defaultVisionModel
	}
	if cfg.VisionPrompt == "" {
		cfg.VisionPrompt = defaultVisionPrompt
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = defaultTranscribeModel
	}
	return &Client{
		apiKey:          cfg.APIKey,
		apiBase:         strings.TrimRight(cfg.APIBase, "/"),
		assistantID:     cfg.AssistantID,
		visionModel:     cfg.VisionModel,
		visionPrompt:    cfg.VisionPrompt,
		transcribeModel: cfg.TranscribeModel,
		language:        cfg.Language,
		client:          NewHTTPClient(cfg.Timeout),
		backoff:         time.Second,
		logger:          cfg.Logger,
	}
}

// doJSON sends in (if non-nil) as JSON and decodes the response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	endpoint := c.apiBase + path

	resp, err := doWithRetry(ctx, c.client, c.backoff, func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("OpenAI-Beta", "assistants=v2")
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, endpoint, out)
}

func decodeResponse(resp *http.Response, endpoint string, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return nil
}

// CreateThread opens an empty conversation thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("create thread: empty id")
	}
	return out.ID, nil
}

// AddMessage appends a user message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, text string) error {
	in := map[string]string{"role": "user", "content": text}
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", in, nil); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (c *Client) CreateRun(ctx context.Context, threadID string) (Run, error) {
	var run Run
	in := map[string]string{"assistant_id": c.assistantID}
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", in, &run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &run); err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

type threadMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text *struct {
			Value string `json:"value"`
		} `json:"text,omitempty"`
	} `json:"content"`
}

// LatestAssistantMessage returns the text of the newest assistant-authored
// message in the thread.
func (c *Client) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	var out struct {
		Data []threadMessage `json:"data"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=20"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range out.Data {
		if m.Role != "assistant" {
			continue
		}
		// The newest assistant message decides; non-text content is an error.
		var parts []string
		for _, part := range m.Content {
			if part.Type == "text" && part.Text != nil {
				parts = append(parts, part.Text.Value)
			}
		}
		if len(parts) == 0 {
			return "", ErrNoReply
		}
		return strings.Join(parts, "\n"), nil
	}
	return "", ErrNoReply
}

// DescribeImage asks a vision-capable model to describe an image.
func (c *Client) DescribeImage(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)

	in := map[string]any{
		"model": c.visionModel,
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": c.visionPrompt},
					map[string]any{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
		"max_tokens": 500,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", in, &out); err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("describe image: no choices returned")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Transcribe converts speech to text. filename must carry an extension the
// endpoint accepts.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	writer.WriteField("model", c.transcribeModel)
	writer.WriteField("response_format", "json")
	if c.language != "" {
		writer.WriteField("language", c.language)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}
	payload := body.Bytes()
	endpoint := c.apiBase + "/audio/transcriptions"

	resp, err := doWithRetry(ctx, c.client, c.backoff, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := decodeResponse(resp, endpoint, &out); err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	c.logger.Info("transcription complete", "text_len", len(out.Text))
	return strings.TrimSpace(out.Text), nil
}
