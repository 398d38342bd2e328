package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestHub(token string) *Hub {
	return NewHub(token, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := newTestHub("")
	// Must not block or panic.
	h.Publish(TypeBatchStarted, "run-1", nil)
}

func TestHub_DeliversToSubscriber(t *testing.T) {
	h := newTestHub("")
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Subscribers() == 0 {
		t.Fatal("subscriber never registered")
	}

	h.Publish(TypeOutcome, "run-7", map[string]string{"tool": "bash"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeOutcome || ev.RunID != "run-7" {
		t.Errorf("event = %+v, want invocation.outcome for run-7", ev)
	}
}

func TestHub_RejectsBadToken(t *testing.T) {
	h := newTestHub("secret")
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=wrong"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail with bad token")
	}
	if resp != nil && resp.StatusCode != 401 {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHub_AcceptsQueryToken(t *testing.T) {
	h := newTestHub("secret")
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=secret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial with valid token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
