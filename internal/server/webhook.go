package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"chatbridge/internal/channel"
	"chatbridge/internal/metrics"
)

// handleWebhook accepts aggregator events. Once the path secret matches the
// response is always 200 so the aggregator never retries on our failures;
// redeliveries are dropped by the pipeline's dedup step.
func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")
	if s.cfg.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.WebhookSecret)) != 1 {
		http.NotFound(rw, r)
		return
	}
	defer writeOK(rw)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Warn("webhook body read failed", "err", err)
		return
	}

	ev, err := channel.ParseAggregatorPayload(body)
	if err != nil {
		var perr *channel.PayloadError
		if errors.As(err, &perr) {
			metrics.PayloadRejected.Inc()
		}
		s.logger.Warn("webhook payload rejected", "err", err, "body_len", len(body))
		return
	}

	events := s.cfg.Aggregator.Normalize(ev)
	s.logger.Info("webhook received",
		"event", ev.Name(),
		"thread_id", ev.Conversation().ThreadID,
		"items", len(ev.Items()),
		"accepted", len(events),
	)

	// Processing outlives a dropped aggregator connection.
	ctx := context.WithoutCancel(r.Context())
	for _, in := range events {
		s.cfg.Pipeline.Handle(ctx, s.cfg.Aggregator, in)
	}
}

func writeOK(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	io.WriteString(rw, "ok")
}
