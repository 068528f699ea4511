package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const streamBuffer = 64

// handleStream pushes store change events as server-sent events, optionally
// narrowed by chatId and source. Slow clients lose events rather than
// blocking writers. A reconnecting client gets the retained events it missed,
// either after its Last-Event-ID or since a ?since=<unix seconds> mark.
func (s *Server) handleStream(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if s.cfg.Feed == nil {
		writeError(rw, http.StatusServiceUnavailable, "stream disabled")
		return
	}

	filter := bus.Filter{ChatID: r.URL.Query().Get("chatId")}
	if raw := r.URL.Query().Get("source"); raw != "" {
		source, err := domain.ParseSource(raw)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		filter.Source = source
	}
	resume, err := parseResume(r)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	ch := make(chan bus.Event, streamBuffer)
	id := s.cfg.Feed.On("*", func(e bus.Event) {
		if !filter.Match(e) {
			return
		}
		select {
		case ch <- e:
		default:
			s.logger.Warn("stream client lagging, event dropped", "type", e.Type, "chat_id", e.ChatID)
		}
	})
	metrics.StreamClients.Inc()
	defer func() {
		s.cfg.Feed.Off("*", id)
		metrics.StreamClients.Dec()
	}()

	// Subscribed before the headers go out, so a client that has its
	// response misses nothing emitted afterwards.
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	var sent uint64
	if resume != nil {
		for _, e := range resume(s.cfg.Feed) {
			if filter.Match(e) {
				s.writeEvent(rw, e)
			}
			sent = e.Seq
		}
	}
	flusher.Flush()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			// Already delivered by the replay.
			if e.Seq <= sent {
				continue
			}
			s.writeEvent(rw, e)
			flusher.Flush()
		case t := <-ping.C:
			fmt.Fprintf(rw, "event: ping\ndata: %d\n\n", t.Unix())
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(rw http.ResponseWriter, e bus.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("stream event encode failed", "type", e.Type, "err", err)
		return
	}
	fmt.Fprintf(rw, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
}

// parseResume reads the replay point of a reconnecting client. It returns
// nil when the client asked for live events only.
func parseResume(r *http.Request) (func(*bus.EventBus) []bus.Event, error) {
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid Last-Event-ID %q", raw)
		}
		return func(feed *bus.EventBus) []bus.Event { return feed.ReplayAfter(seq) }, nil
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid since %q", raw)
		}
		since := time.Unix(sec, 0)
		return func(feed *bus.EventBus) []bus.Event { return feed.Replay("*", since) }, nil
	}
	return nil, nil
}
