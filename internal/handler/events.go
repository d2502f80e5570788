package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/notify"
)

// EventsHandler streams accepted status transitions to downstream
// consumers over SSE. Without a sessionId query parameter the client
// receives every session's transitions.
type EventsHandler struct {
	broker *notify.Broker
}

func NewEventsHandler(broker *notify.Broker) *EventsHandler {
	return &EventsHandler{broker: broker}
}

// GET /v1/events?sessionId=...
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := notify.SubscribeAll
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		key = sessionID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(key)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("subscription", key).Msg("status stream connection established")

	if err := h.sendEvent(w, flusher, "connected", map[string]string{"subscription": key}); err != nil {
		return
	}

	ctx := r.Context()

	heartbeat := time.NewTicker(notify.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("subscription", key).Msg("status stream closed by client")
			return

		case <-client.Done:
			log.Info().Str("subscription", key).Msg("status stream closed by broker")
			return

		case change := <-client.Changes:
			if err := h.sendEvent(w, flusher, "status", change); err != nil {
				log.Error().Err(err).Msg("failed to send status change")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("subscription", key).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
