package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatbridge/internal/channel"
	"chatbridge/internal/domain"
	"chatbridge/internal/ingest"
	"chatbridge/internal/store"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

// sendRequest is the body of POST /api/send. Aggregator sources also need
// the visitor id to address the conversation.
type sendRequest struct {
	PlatformChatID string `json:"platformChatId" validate:"required"`
	Source         string `json:"source" validate:"required,source"`
	Text           string `json:"text" validate:"required"`
	VisitorID      string `json:"visitorId" validate:"required_unless=Source telegram"`
	SenderName     string `json:"senderName" validate:"max=128"`
}

type autoModeRequest struct {
	AutoMode *bool `json:"autoMode" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("source", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseSource(fl.Field().String())
		return err == nil
	})
	return v
}

// decode reads a JSON body and validates it.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAPIBody)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_unless":
			parts = append(parts, fe.Field()+" is required")
		case "source":
			parts = append(parts, "unsupported source "+strconv.Quote(fe.Value().(string)))
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := s.decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	source, _ := domain.ParseSource(req.Source)

	res, err := s.cfg.Pipeline.SendManual(r.Context(), ingest.ManualSend{
		Source:         source,
		PlatformChatID: req.PlatformChatID,
		VisitorID:      req.VisitorID,
		Text:           req.Text,
		SenderName:     req.SenderName,
	})
	switch {
	case errors.Is(err, channel.ErrUnsupportedSource):
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	case err != nil && res.ExternalID != "":
		// Delivered but not recorded.
		s.logger.Error("manual send not persisted", "source", source, "external_id", res.ExternalID, "err", err)
	case err != nil:
		s.logger.Error("manual send failed", "source", source, "chat", req.PlatformChatID, "err", err)
		writeError(rw, http.StatusBadGateway, err.Error())
		return
	}

	external := map[string]any{"platform": source}
	if res.ExternalID != "" {
		external["messageId"] = res.ExternalID
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"success":  true,
		"message":  res.Message,
		"external": external,
	})
}

func (s *Server) handleListChats(rw http.ResponseWriter, r *http.Request) {
	var filter domain.ChatFilter
	if raw := r.URL.Query().Get("source"); raw != "" {
		source, err := domain.ParseSource(raw)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		filter.Source = source
	}
	chats, err := s.cfg.Store.ListChats(r.Context(), filter)
	if err != nil {
		s.logger.Error("list chats failed", "err", err)
		writeError(rw, http.StatusBadGateway, "store unavailable")
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}
	msgs, err := s.cfg.Store.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("list messages failed", "chat_id", r.PathValue("id"), "err", err)
		writeError(rw, http.StatusBadGateway, "store unavailable")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleAutoMode(rw http.ResponseWriter, r *http.Request) {
	var req autoModeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	chat, err := s.cfg.Store.SetAutoMode(r.Context(), r.PathValue("id"), *req.AutoMode)
	if errors.Is(err, store.ErrNotFound) {
		writeError(rw, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.logger.Error("set auto mode failed", "chat_id", r.PathValue("id"), "err", err)
		writeError(rw, http.StatusBadGateway, "store unavailable")
		return
	}
	s.logger.Info("auto mode changed", "chat_id", chat.ID, "auto_mode", chat.AutoMode)
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "chat": chat})
}

// handleMedia serves a stored attachment inline.
func (s *Server) handleMedia(rw http.ResponseWriter, r *http.Request) {
	media, err := s.cfg.Store.GetMedia(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(rw, r)
		return
	}
	if err != nil {
		s.logger.Error("media lookup failed", "media_id", r.PathValue("id"), "err", err)
		http.Error(rw, "store unavailable", http.StatusBadGateway)
		return
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(media.Data)
	}
	rw.Header().Set("Content-Type", contentType)
	rw.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
	rw.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(media.Filename))
	rw.Header().Set("Cache-Control", "private, max-age=86400")
	rw.Write(media.Data)
}
