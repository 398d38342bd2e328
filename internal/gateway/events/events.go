// Package events implements a WebSocket fan-out hub for run events. Agents
// subscribe to watch batch progress in real time instead of polling; a slow
// subscriber drops events rather than stalling the publisher.
package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types published by the gateway.
const (
	TypeBatchStarted  = "batch.started"
	TypeBatchFinished = "batch.finished"
	TypeOutcome       = "invocation.outcome"
	TypeRunCancelled  = "run.cancelled"
	TypeSandboxReady  = "sandbox.ready"
)

// subscriberBuffer bounds each subscriber's queue; the hub drops events for
// subscribers that fall this far behind.
const subscriberBuffer = 64

// Event is one run event pushed to subscribers.
type Event struct {
	Type    string    `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Hub broadcasts events to all connected subscribers.
type Hub struct {
	token  string // Optional subscriber auth token.
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates a hub. An empty token disables subscriber authentication.
func NewHub(token string, logger *slog.Logger) *Hub {
	return &Hub{
		token:  token,
		logger: logger,
		subs:   make(map[chan Event]struct{}),
	}
}

// Publish fans an event out to every subscriber. Never blocks: subscribers
// with full buffers miss the event.
func (h *Hub) Publish(eventType, runID string, payload any) {
	ev := Event{Type: eventType, RunID: runID, Time: time.Now().UTC(), Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Handler returns an http.Handler that upgrades connections to WebSocket
// and streams events until the client disconnects.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			auth := r.Header.Get("Authorization")
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-events-v1"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.serveConn(r.Context(), conn)
}

func (h *Hub) serveConn(ctx context.Context, conn *websocket.Conn) {
	ch := h.subscribe()
	defer h.unsubscribe(ch)
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	h.logger.Info("event subscriber connected", slog.Int("subscribers", h.Subscribers()))

	// Reader goroutine: the subscriber sends nothing meaningful, but reading
	// is what surfaces the close frame.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			h.logger.Info("event subscriber disconnected")
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Warn("event write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
