package waitutil

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 2, 50*time.Millisecond)
	if b.Duration() != 10*time.Millisecond {
		t.Fatalf("initial duration = %v, want 10ms", b.Duration())
	}

	b.Backoff()
	if b.Duration() != 20*time.Millisecond {
		t.Fatalf("after 1 backoff = %v, want 20ms", b.Duration())
	}

	b.Backoff()
	if b.Duration() != 40*time.Millisecond {
		t.Fatalf("after 2 backoffs = %v, want 40ms", b.Duration())
	}

	b.Backoff()
	if b.Duration() != 50*time.Millisecond {
		t.Fatalf("after 3 backoffs = %v, want capped at 50ms", b.Duration())
	}
}

func TestResetReturnsToBase(t *testing.T) {
	b := NewBackoff(5*time.Millisecond, 3, time.Second)
	b.Backoff()
	b.Backoff()
	b.Reset()
	if b.Duration() != 5*time.Millisecond {
		t.Fatalf("after reset = %v, want 5ms", b.Duration())
	}
}
