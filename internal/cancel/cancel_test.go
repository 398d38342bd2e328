package cancel

import (
	"errors"
	"testing"
)

func TestRegistry_CancelAndCheck(t *testing.T) {
	reg := NewRegistry()
	tok := reg.Token("run-1")

	if tok.IsCancelled() {
		t.Fatal("fresh run reported cancelled")
	}
	if err := tok.Check(); err != nil {
		t.Fatalf("Check = %v, want nil", err)
	}

	reg.Cancel("run-1")

	if !tok.IsCancelled() {
		t.Fatal("cancelled run not observed")
	}
	if err := tok.Check(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Check = %v, want ErrCancelled", err)
	}
}

func TestRegistry_Isolation(t *testing.T) {
	reg := NewRegistry()
	reg.Cancel("run-1")

	if reg.Token("run-2").IsCancelled() {
		t.Fatal("cancellation leaked across runs")
	}
}

func TestRegistry_Clear(t *testing.T) {
	reg := NewRegistry()
	reg.Cancel("run-1")
	reg.Clear("run-1")

	if reg.IsCancelled("run-1") {
		t.Fatal("cleared run still cancelled")
	}
}

func TestZeroToken(t *testing.T) {
	var tok Token
	if tok.IsCancelled() {
		t.Fatal("zero token reported cancelled")
	}
	if err := tok.Check(); err != nil {
		t.Fatalf("zero token Check = %v", err)
	}
}
