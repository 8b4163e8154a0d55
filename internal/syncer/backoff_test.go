package syncer

import (
	"testing"
	"time"
)

func TestBackoffDoublesFromBase(t *testing.T) {
	backoff := Backoff{Base: time.Second, Cap: 60 * time.Second}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for attempt, want := range expected {
		if got := backoff.Delay(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestBackoffCapHoldsForLargeAttempts(t *testing.T) {
	backoff := Backoff{Base: time.Second, Cap: 60 * time.Second}
	if got := backoff.Delay(40); got != 60*time.Second {
		t.Fatalf("expected cap at 60s for large attempt counts, got %v", got)
	}
}
