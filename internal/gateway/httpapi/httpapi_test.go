package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
)

func TestNewCorrelationID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newCorrelationID()
		if len(id) != 16 {
			t.Fatalf("correlation id %q has length %d, want 16", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %q", id)
		}
		seen[id] = true
	}
}

func TestInfoResponse(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	resp := infoResponse(backend.Info{
		ID:        "sbx-1",
		Backend:   backend.TypeDaytona,
		State:     backend.StateStarted,
		CreatedAt: created,
		Metadata:  map[string]string{"owner": "agent"},
	})

	if resp.ID != "sbx-1" || resp.Backend != "daytona" || resp.State != "started" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.CreatedAt == nil || !resp.CreatedAt.Equal(created) {
		t.Fatalf("created_at not carried over: %+v", resp.CreatedAt)
	}
	if resp.Metadata["owner"] != "agent" {
		t.Fatalf("metadata not carried over: %+v", resp.Metadata)
	}
}

func TestInfoResponse_ZeroCreatedAtOmitted(t *testing.T) {
	resp := infoResponse(backend.Info{ID: "sbx-2", Backend: backend.TypeE2B, State: backend.StateUnknown})
	if resp.CreatedAt != nil {
		t.Fatalf("zero CreatedAt should map to nil, got %v", resp.CreatedAt)
	}
}

func TestGatewayStop_NoServer(t *testing.T) {
	g := &Gateway{}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop without a running server: %v", err)
	}
}
