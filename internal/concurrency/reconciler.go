package concurrency

import (
	"context"
	"log/slog"
	"time"
)

// driftTolerance is the absolute counter/durable-count difference allowed
// before the Reconciler resets the Redis counter. A small nonzero tolerance
// absorbs the short windows in which the two legitimately differ: a task is
// in-progress from ClaimDue onward, before its worker acquires a slot, and
// a slot is still held briefly after the task's terminal commit.
const driftTolerance = 1

// ActiveCampaignLister is the subset of internal/store.Gateway the
// reconciler depends on to refresh its tracked campaign set each tick,
// rather than sweeping a set fixed at construction time.
type ActiveCampaignLister interface {
	ListActiveCampaignIDs(ctx context.Context) ([]string, error)
	CountInProgress(ctx context.Context, campaignID string) (int64, error)
}

// Reconciler periodically compares the Redis concurrency counter for each
// active campaign against the durable count of in-progress tasks and
// resets the counter when they diverge beyond tolerance. This is additive:
// the core's correctness per the concurrency gate's contract does not
// depend on it running.
type Reconciler struct {
	gate  *Gate
	store ActiveCampaignLister
	log   *slog.Logger

	interval time.Duration
}

// NewReconciler builds a Reconciler that re-lists active campaigns from the
// store on every tick.
func NewReconciler(gate *Gate, st ActiveCampaignLister, log *slog.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		gate:     gate,
		store:    st,
		log:      log,
		interval: interval,
	}
}

// Run blocks, reconciling on a ticker until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	campaignIDs, err := r.store.ListActiveCampaignIDs(ctx)
	if err != nil {
		r.log.Warn("reconciler list_active_campaign_ids failed", "err", err)
		return
	}
	for _, campaignID := range campaignIDs {
		durable, err := r.store.CountInProgress(ctx, campaignID)
		if err != nil {
			r.log.Warn("reconciler count_in_progress failed", "campaign_id", campaignID, "err", err)
			continue
		}
		active, err := r.gate.Active(ctx, campaignID)
		if err != nil {
			r.log.Warn("reconciler active failed", "campaign_id", campaignID, "err", err)
			continue
		}
		diff := active - durable
		if diff < 0 {
			diff = -diff
		}
		if diff <= driftTolerance {
			continue
		}
		r.log.Warn("concurrency counter drift detected, resetting", "campaign_id", campaignID, "counter", active, "durable", durable)
		if err := r.gate.Reset(ctx, campaignID, durable); err != nil {
			r.log.Warn("reconciler reset failed", "campaign_id", campaignID, "err", err)
		}
	}
}
