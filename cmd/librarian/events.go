package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"booklib/internal/events"
)

const (
	sseBuffer    = 32
	sseKeepalive = 15 * time.Second
)

// handleEvents streams bus events to the UI as server-sent events. A
// client that falls behind loses events rather than stalling the bus.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := make(chan events.Event, sseBuffer)
	go func() {
		err := s.deps.Bus.Subscribe(ctx, func(_ context.Context, ev events.Event) error {
			select {
			case ch <- ev:
			default:
				s.log.Warn("event stream client too slow, dropping event", "type", ev.Type)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn("event subscription ended", "err", err)
			cancel()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				s.log.Debug("event stream write failed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, body)
	return err
}
