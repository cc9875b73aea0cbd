package telephony

import (
	"context"
	"testing"
	"time"
)

func TestMockPlacer_RespectsContextCancellation(t *testing.T) {
	m := NewMockPlacer(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Place(ctx, CallAttempt{TaskID: "t1", DialedNumber: "+15550001111"})
	if err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func TestMockPlacer_PopulatesExternalCallIDOnSuccess(t *testing.T) {
	// Seed chosen so the first draw is below mockSuccessProbability.
	m := NewMockPlacer(42)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := m.Place(ctx, CallAttempt{TaskID: "t1", DialedNumber: "+15550001111"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Succeeded && res.ExternalCallID == "" {
		t.Fatalf("expected external_call_id populated on success")
	}
}
