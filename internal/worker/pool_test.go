package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"dialplan-campaigns/internal/campaigns"
	"dialplan-campaigns/internal/dispatch"
	"dialplan-campaigns/internal/store"
	"dialplan-campaigns/internal/telephony"
)

type fakeGate struct {
	acquired   bool
	err        error
	lastCap    int
	lastCampID string
	ran        bool
}

func (f *fakeGate) WithSlot(ctx context.Context, campaignID string, cap int, fn func() error) (bool, error) {
	f.lastCampID = campaignID
	f.lastCap = cap
	if f.err != nil {
		return false, f.err
	}
	if !f.acquired {
		return false, nil
	}
	f.ran = true
	return true, fn()
}

type fakeConsumer struct {
	handler dispatch.Handler
}

func (f *fakeConsumer) Consume(ctx context.Context, handler dispatch.Handler, concurrency int) error {
	f.handler = handler
	return nil
}

type fakeTaskStore struct {
	claimed    store.ClaimedTask
	loadErr    error
	createdLog string
	createErr  error

	updatedStatus store.CallLogStatus
	updateErr     error

	completedTask, completedLog, completedExternal string
	completeErr                                     error

	rescheduledAt time.Time
	rescheduleErr error

	retriedAt time.Time
	retryErr  error

	failed   bool
	failErr  error
}

func (f *fakeTaskStore) LoadClaimedTask(ctx context.Context, taskID string) (store.ClaimedTask, error) {
	if f.loadErr != nil {
		return store.ClaimedTask{}, f.loadErr
	}
	return f.claimed, nil
}

func (f *fakeTaskStore) CreateLog(ctx context.Context, log store.CallLog) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdLog = "log-1"
	return f.createdLog, nil
}

func (f *fakeTaskStore) UpdateLog(ctx context.Context, logID string, status store.CallLogStatus, externalCallID string, endedAt *time.Time) error {
	f.updatedStatus = status
	return f.updateErr
}

func (f *fakeTaskStore) CompleteTask(ctx context.Context, taskID, callLogID, externalCallID string) error {
	f.completedTask, f.completedLog, f.completedExternal = taskID, callLogID, externalCallID
	return f.completeErr
}

func (f *fakeTaskStore) RescheduleTask(ctx context.Context, taskID string, newScheduledAt time.Time) error {
	f.rescheduledAt = newScheduledAt
	return f.rescheduleErr
}

func (f *fakeTaskStore) RetryTask(ctx context.Context, taskID string, newScheduledAt time.Time) error {
	f.retriedAt = newScheduledAt
	return f.retryErr
}

func (f *fakeTaskStore) FailTask(ctx context.Context, taskID string) error {
	f.failed = true
	return f.failErr
}

type fakePlacer struct {
	result telephony.PlaceResult
	err    error
}

func (f *fakePlacer) Place(ctx context.Context, attempt telephony.CallAttempt) (telephony.PlaceResult, error) {
	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alwaysOpenRules() campaigns.Rules {
	return campaigns.Rules{
		Days:      []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"},
		StartTime: "00:00",
		EndTime:   "23:59",
	}
}

func claimedTaskFixture(t *testing.T, rules campaigns.Rules) store.ClaimedTask {
	return claimedTaskFixtureWithCampaign(t, rules, false, 5, 3, 30)
}

func claimedTaskFixtureWithCampaign(t *testing.T, rules campaigns.Rules, isPaused bool, maxConcurrent, maxRetries, retryDelaySeconds int) store.ClaimedTask {
	t.Helper()
	raw, err := json.Marshal(rules)
	if err != nil {
		t.Fatalf("marshal rules: %v", err)
	}
	task := store.Task{
		ID:         "task-1",
		CampaignID: "camp-1",
		RetryCount: 0,
	}
	phone := store.PhoneNumber{ID: "phone-1", Number: "+15550001111"}
	return store.NewClaimedTask(task, "camp-1", isPaused, maxConcurrent, maxRetries, retryDelaySeconds, "UTC", raw, phone)
}

func TestHandleTask_OrphanOnNotFound(t *testing.T) {
	ts := &fakeTaskStore{loadErr: store.ErrNotFound}
	gate := &fakeGate{}
	pool := NewPool(ts, gate, &fakeConsumer{}, &fakePlacer{}, Config{}, testLogger())

	if err := pool.handleTask(context.Background(), "missing-task"); err != nil {
		t.Fatalf("expected nil error acking orphan, got %v", err)
	}
	if gate.ran {
		t.Fatalf("gate should never have been invoked for a missing task")
	}
}

func TestHandleTask_ConcurrencyDenialReschedulesWithoutRetryBump(t *testing.T) {
	ct := claimedTaskFixture(t, alwaysOpenRules())
	ts := &fakeTaskStore{claimed: ct}
	gate := &fakeGate{acquired: false}
	pool := NewPool(ts, gate, &fakeConsumer{}, &fakePlacer{}, Config{}, testLogger())
	pool.clock = func() time.Time { return time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) }

	if err := pool.handleTask(context.Background(), ct.Task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.rescheduledAt.IsZero() {
		t.Fatalf("expected RescheduleTask to be called")
	}
	if !ts.rescheduledAt.Equal(pool.clock()) {
		t.Fatalf("expected reschedule to the immediate next valid slot (always-open rules), got %v", ts.rescheduledAt)
	}
	if ts.retriedAt.IsZero() == false {
		t.Fatalf("concurrency denial must never call RetryTask")
	}
	if gate.lastCampID != "camp-1" || gate.lastCap != 5 {
		t.Fatalf("gate invoked with unexpected campaign/cap: %s/%d", gate.lastCampID, gate.lastCap)
	}
}

func TestHandleTask_PlaceSuccessCommits(t *testing.T) {
	ct := claimedTaskFixture(t, alwaysOpenRules())
	ts := &fakeTaskStore{claimed: ct}
	gate := &fakeGate{acquired: true}
	placer := &fakePlacer{result: telephony.PlaceResult{Succeeded: true, ExternalCallID: "ext-1"}}
	pool := NewPool(ts, gate, &fakeConsumer{}, placer, Config{}, testLogger())

	if err := pool.handleTask(context.Background(), ct.Task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.completedTask != ct.Task.ID || ts.completedExternal != "ext-1" {
		t.Fatalf("expected CompleteTask called with external id, got task=%s external=%s", ts.completedTask, ts.completedExternal)
	}
	if ts.failed {
		t.Fatalf("FailTask must not be called on success")
	}
}

func TestHandleTask_PlaceFailureWithRetriesRemainingHonorsRetryDelay(t *testing.T) {
	ct := claimedTaskFixture(t, alwaysOpenRules())
	ct.Task.RetryCount = 0
	ts := &fakeTaskStore{claimed: ct}
	gate := &fakeGate{acquired: true}
	placer := &fakePlacer{result: telephony.PlaceResult{Succeeded: false}}
	pool := NewPool(ts, gate, &fakeConsumer{}, placer, Config{}, testLogger())
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	pool.clock = func() time.Time { return now }

	if err := pool.handleTask(context.Background(), ct.Task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.updatedStatus != store.CallLogStatusFailed {
		t.Fatalf("expected call log marked failed, got %s", ts.updatedStatus)
	}
	wantRetryAt := now.Add(30 * time.Second)
	if !ts.retriedAt.Equal(wantRetryAt) {
		t.Fatalf("expected retry at now+retry_delay (%v) since schedule is always-open, got %v", wantRetryAt, ts.retriedAt)
	}
	if ts.failed {
		t.Fatalf("FailTask must not be called while retries remain")
	}
}

func TestHandleTask_PlaceFailureExhaustedRetriesFails(t *testing.T) {
	ct := claimedTaskFixture(t, alwaysOpenRules())
	ct.Task.RetryCount = 3
	ts := &fakeTaskStore{claimed: ct}
	gate := &fakeGate{acquired: true}
	placer := &fakePlacer{result: telephony.PlaceResult{Succeeded: false}}
	pool := NewPool(ts, gate, &fakeConsumer{}, placer, Config{}, testLogger())

	if err := pool.handleTask(context.Background(), ct.Task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ts.failed {
		t.Fatalf("expected FailTask to be called once retries are exhausted")
	}
	if !ts.retriedAt.IsZero() {
		t.Fatalf("RetryTask must not be called once retries are exhausted")
	}
}

func TestHandleTask_InfrastructureErrorPropagates(t *testing.T) {
	ct := claimedTaskFixture(t, alwaysOpenRules())
	ts := &fakeTaskStore{claimed: ct}
	gate := &fakeGate{acquired: true}
	placer := &fakePlacer{err: errors.New("boom")}
	pool := NewPool(ts, gate, &fakeConsumer{}, placer, Config{}, testLogger())

	if err := pool.handleTask(context.Background(), ct.Task.ID); err == nil {
		t.Fatalf("expected infrastructure-level placer error to propagate so dispatch can retry")
	}
}

func TestRun_WiresHandlerIntoConsumer(t *testing.T) {
	consumer := &fakeConsumer{}
	pool := NewPool(&fakeTaskStore{}, &fakeGate{}, consumer, &fakePlacer{}, Config{PoolSize: 7}, testLogger())

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumer.handler == nil {
		t.Fatalf("expected Run to register a handler with the consumer")
	}
}
