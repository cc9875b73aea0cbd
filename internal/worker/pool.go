// Package worker implements the worker pool: a bounded, rate-capped set of
// concurrent units each executing the per-task state machine (LOAD, GATE,
// LOG, PLACE, commit/retry/fail, FINALLY release) that drives tasks from
// in-progress to a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dialplan-campaigns/internal/campaigns"
	"dialplan-campaigns/internal/dispatch"
	"dialplan-campaigns/internal/metrics"
	"dialplan-campaigns/internal/store"
	"dialplan-campaigns/internal/telephony"

	"golang.org/x/time/rate"
)

// Config holds worker pool configuration.
type Config struct {
	PoolSize        int // default 50
	RateLimitPerMin int // default 50
}

func (c Config) withDefaults() Config {
	out := c
	if out.PoolSize <= 0 {
		out.PoolSize = 50
	}
	if out.RateLimitPerMin <= 0 {
		out.RateLimitPerMin = 50
	}
	return out
}

// Gate is the subset of internal/concurrency.Gate the pool depends on.
type Gate interface {
	WithSlot(ctx context.Context, campaignID string, cap int, fn func() error) (bool, error)
}

// Consumer is the subset of internal/dispatch.Queue the pool depends on.
type Consumer interface {
	Consume(ctx context.Context, handler dispatch.Handler, concurrency int) error
}

// TaskStore is the subset of internal/store.Gateway the pool depends on.
type TaskStore interface {
	LoadClaimedTask(ctx context.Context, taskID string) (store.ClaimedTask, error)
	CreateLog(ctx context.Context, log store.CallLog) (string, error)
	UpdateLog(ctx context.Context, logID string, status store.CallLogStatus, externalCallID string, endedAt *time.Time) error
	CompleteTask(ctx context.Context, taskID, callLogID, externalCallID string) error
	RescheduleTask(ctx context.Context, taskID string, newScheduledAt time.Time) error
	RetryTask(ctx context.Context, taskID string, newScheduledAt time.Time) error
	FailTask(ctx context.Context, taskID string) error
}

// Pool is the worker pool.
type Pool struct {
	store    TaskStore
	gate     Gate
	consumer Consumer
	placer   telephony.Placer
	limiter  *rate.Limiter
	config   Config
	logger   *slog.Logger
	clock    func() time.Time
}

// NewPool constructs a worker Pool.
func NewPool(st TaskStore, gate Gate, consumer Consumer, placer telephony.Placer, cfg Config, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	// Burst equals the full per-minute quota: a quiet pool may place an
	// entire minute's allowance back-to-back, then settle into the
	// steady-state rate.
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60.0), cfg.RateLimitPerMin)
	return &Pool{
		store:    st,
		gate:     gate,
		consumer: consumer,
		placer:   placer,
		limiter:  limiter,
		config:   cfg,
		logger:   logger.With("component", "worker"),
		clock:    time.Now,
	}
}

// Run starts the pool, consuming task-ids from the dispatch queue until ctx
// is cancelled. On shutdown signal, stop pulling new jobs; in-flight tasks
// are allowed to drain (the dispatch consumer layer blocks on ctx.Done()
// after delivery channels drain).
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "pool_size", p.config.PoolSize, "rate_limit_per_min", p.config.RateLimitPerMin)
	return p.consumer.Consume(ctx, p.handleTask, p.config.PoolSize)
}

// handleTask executes the per-task state machine for one claimed task-id.
// A non-nil return is treated as an infrastructure-level error by the
// dispatch queue and triggers its bounded retry/backoff; application-level
// outcomes (orphan, concurrency-deny, place-failure) are handled internally
// and always return nil so the queue never retries work this layer has
// already resolved.
func (p *Pool) handleTask(ctx context.Context, taskID string) error {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	ct, err := p.store.LoadClaimedTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("task missing or no longer in-progress, acking as orphan", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("load claimed task: %w", err)
	}

	var rules campaigns.Rules
	if err := json.Unmarshal(ct.ScheduleRaw, &rules); err != nil {
		p.logger.Error("malformed schedule_rules, failing task", "task_id", taskID, "err", err)
		return p.store.FailTask(ctx, taskID)
	}

	campaignID, _, maxConcurrent, maxRetries, retryDelaySeconds := ct.CampaignSnapshot()

	acquired, err := p.gate.WithSlot(ctx, campaignID, maxConcurrent, func() error {
		return p.placeAndCommit(ctx, ct, rules, maxRetries, retryDelaySeconds)
	})
	if err != nil {
		return fmt.Errorf("gate with slot: %w", err)
	}
	if !acquired {
		return p.handleConcurrencyDenial(ctx, taskID, rules, ct.ScheduleTZ)
	}
	return nil
}

func (p *Pool) handleConcurrencyDenial(ctx context.Context, taskID string, rules campaigns.Rules, tz string) error {
	p.logger.Info("worker concurrency-deny", "task_id", taskID)
	metrics.PlacementOutcomesTotal.WithLabelValues(metrics.OutcomeConcurrencyDeny).Inc()

	next, ok := campaigns.NextValid(rules, tz, p.clock())
	if !ok {
		p.logger.Error("no valid reschedule slot within horizon on concurrency-deny, leaving task in-progress for the orphan sweeper", "task_id", taskID)
		return nil
	}
	if err := p.store.RescheduleTask(ctx, taskID, next); err != nil {
		return fmt.Errorf("reschedule on concurrency-deny: %w", err)
	}
	return nil
}

// placeAndCommit runs LOG, PLACE, and the terminal commit/retry/fail
// transition. Invoked inside the concurrency gate's scoped slot.
func (p *Pool) placeAndCommit(ctx context.Context, ct store.ClaimedTask, rules campaigns.Rules, maxRetries, retryDelaySeconds int) error {
	taskID := ct.Task.ID
	now := p.clock()

	logID, err := p.store.CreateLog(ctx, store.CallLog{
		UserID:        ct.Task.UserID,
		CallTaskID:    taskID,
		PhoneNumberID: ct.PhoneNumber.ID,
		DialedNumber:  ct.PhoneNumber.Number,
		Status:        store.CallLogStatusInitiated,
		StartedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("create call log: %w", err)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	p.logger.Info("worker placing call", "task_id", taskID, "call_log_id", logID)
	result, placeErr := p.placer.Place(ctx, telephony.CallAttempt{
		CallLogID:    logID,
		TaskID:       taskID,
		DialedNumber: ct.PhoneNumber.Number,
	})
	if placeErr != nil {
		return fmt.Errorf("invoke placer: %w", placeErr)
	}

	if result.Succeeded {
		if err := p.store.CompleteTask(ctx, taskID, logID, result.ExternalCallID); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		p.logger.Info("worker place success", "task_id", taskID)
		metrics.PlacementOutcomesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
		return nil
	}

	endedAt := p.clock()
	if err := p.store.UpdateLog(ctx, logID, store.CallLogStatusFailed, "", &endedAt); err != nil {
		return fmt.Errorf("update log failed: %w", err)
	}

	if ct.Task.RetryCount < maxRetries {
		next := retryTarget(rules, ct.ScheduleTZ, now, retryDelaySeconds)
		if err := p.store.RetryTask(ctx, taskID, next); err != nil {
			return fmt.Errorf("retry task: %w", err)
		}
		p.logger.Info("worker place failure, rescheduled for retry", "task_id", taskID, "retry_count", ct.Task.RetryCount+1)
		metrics.PlacementOutcomesTotal.WithLabelValues(metrics.OutcomeRetry).Inc()
		return nil
	}

	if err := p.store.FailTask(ctx, taskID); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	p.logger.Info("worker place failure, retries exhausted, task failed", "task_id", taskID)
	metrics.PlacementOutcomesTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
	return nil
}

// retryTarget resolves Open Question #3: honor retry_delay_seconds by
// rescheduling to the later of the next valid schedule slot and
// now+retry_delay. A concurrency-denial reschedule never bumps this; only
// a place-failure reschedule does.
func retryTarget(rules campaigns.Rules, tz string, now time.Time, retryDelaySeconds int) time.Time {
	next, ok := campaigns.NextValid(rules, tz, now)
	if !ok {
		next = now.Add(time.Duration(retryDelaySeconds) * time.Second)
	}
	delayed := now.Add(time.Duration(retryDelaySeconds) * time.Second)
	if delayed.After(next) {
		return delayed
	}
	return next
}
