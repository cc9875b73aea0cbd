package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"dialplan-campaigns/internal/store"
)

type fakeClaimStore struct {
	tasks []store.Task
	err   error

	lastLimit   int
	lastHorizon time.Duration
}

func (f *fakeClaimStore) ClaimDue(ctx context.Context, limit int, horizon time.Duration) ([]store.Task, error) {
	f.lastLimit = limit
	f.lastHorizon = horizon
	if f.err != nil {
		return nil, f.err
	}
	return f.tasks, nil
}

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) EnqueueBatch(ctx context.Context, taskIDs []string) error {
	f.enqueued = append(f.enqueued, taskIDs...)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick_NothingDue(t *testing.T) {
	cs := &fakeClaimStore{}
	eq := &fakeEnqueuer{}
	l := NewLoop(cs, eq, Config{}, testLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eq.enqueued) != 0 {
		t.Fatalf("expected no enqueue, got %v", eq.enqueued)
	}
}

func TestTick_EnqueuesClaimedBatch(t *testing.T) {
	cs := &fakeClaimStore{tasks: []store.Task{{ID: "t1"}, {ID: "t2"}}}
	eq := &fakeEnqueuer{}
	l := NewLoop(cs, eq, Config{}, testLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eq.enqueued) != 2 || eq.enqueued[0] != "t1" || eq.enqueued[1] != "t2" {
		t.Fatalf("unexpected enqueued ids: %v", eq.enqueued)
	}
}

func TestTick_UsesDefaultBatchSizeAndHorizon(t *testing.T) {
	cs := &fakeClaimStore{}
	eq := &fakeEnqueuer{}
	l := NewLoop(cs, eq, Config{}, testLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.lastLimit != 50 {
		t.Fatalf("expected default batch size 50, got %d", cs.lastLimit)
	}
	if cs.lastHorizon != 120*time.Second {
		t.Fatalf("expected default horizon 2m (60s poll interval + 1m), got %v", cs.lastHorizon)
	}
}

func TestStartStop_StopsCleanly(t *testing.T) {
	cs := &fakeClaimStore{}
	eq := &fakeEnqueuer{}
	l := NewLoop(cs, eq, Config{PollInterval: time.Hour}, testLogger())

	done := make(chan error, 1)
	go func() { done <- l.Start(context.Background()) }()

	// Give Start a moment to enter its select loop before stopping.
	time.Sleep(10 * time.Millisecond)
	if err := l.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected nil error from Start after Stop, got %v", err)
	}
}
