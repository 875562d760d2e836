package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/notifier"
)

// Subscriber registers a listener for one user's job events.
type Subscriber interface {
	Subscribe(userID uuid.UUID) (<-chan notifier.Event, func())
}

// NewJobEventsHandler returns the SSE handler for GET /api/v1/jobs/events.
// The stream carries the caller's own job transitions; a comment line is sent
// every keepalive interval so idle connections survive proxies.
func NewJobEventsHandler(sub Subscriber, keepalive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming not supported", nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		events, cancel := sub.Subscribe(id.UserID)
		defer cancel()

		// confirms the subscription before any job moves
		fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: job\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
