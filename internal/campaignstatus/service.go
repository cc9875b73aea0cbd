// Package campaignstatus computes the derived campaign status: not stored,
// recomputed on demand from durable task counts so pausing, retries, and
// partial failures never drift from a maintained counter.
package campaignstatus

import (
	"context"
	"errors"

	"dialplan-campaigns/internal/store"
)

// ErrInvalidRequest mirrors the repo-interface services' boundary check.
var ErrInvalidRequest = errors.New("campaignstatus: invalid request")

// Status is one of the four derived campaign states.
type Status string

const (
	StatusPaused     Status = "paused"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Repository abstracts the one aggregate query this service needs.
type Repository interface {
	AggregateCampaignStatus(ctx context.Context, campaignID string) (store.CampaignStatusCounts, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// Status derives a campaign's status per the decision rules: paused wins
// outright; otherwise total==0 is paused (no work claimed yet), any failed
// task makes the campaign failed, any pending/in-progress task makes it
// in-progress, all-completed makes it completed, and anything left over
// falls back to paused.
func (s *Service) Status(ctx context.Context, campaignID string) (Status, error) {
	if campaignID == "" {
		return "", ErrInvalidRequest
	}
	if s.repo == nil {
		return "", errors.New("campaignstatus: repository not configured")
	}

	counts, err := s.repo.AggregateCampaignStatus(ctx, campaignID)
	if err != nil {
		return "", err
	}
	return derive(counts), nil
}

func derive(c store.CampaignStatusCounts) Status {
	if c.IsPaused {
		return StatusPaused
	}
	if c.Total == 0 {
		return StatusPaused
	}
	if c.Failed > 0 {
		return StatusFailed
	}
	if c.Pending > 0 || c.InProgress > 0 {
		return StatusInProgress
	}
	if c.Completed == c.Total {
		return StatusCompleted
	}
	return StatusPaused
}
