package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"dialplan-campaigns/pkg/utils"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a task or call log row does not exist, or
// has already transitioned out of the state a caller expected.
var ErrNotFound = errors.New("not found")

// Gateway is the typed repository over the relational store. It owns the
// *sql.DB pool; callers obtain one via Open.
type Gateway struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

// Open opens the Postgres pool backing the gateway and validates
// connectivity, following the teacher's utils.OpenPostgres pool-defaulting
// idiom.
func Open(ctx context.Context, dsn string, pool utils.PostgresPoolConfig) (*Gateway, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, pool)
	if err != nil {
		return nil, err
	}
	return &Gateway{db: db, clock: time.Now}, nil
}

// NewGateway wraps an already-open *sql.DB (used by tests against a real
// Postgres instance, and by the process entrypoints sharing one pool).
func NewGateway(db *sql.DB) *Gateway {
	return &Gateway{db: db, clock: time.Now}
}

// DB exposes the underlying pool for health checks.
func (g *Gateway) DB() *sql.DB { return g.db }

// Close releases the underlying pool.
func (g *Gateway) Close() error { return g.db.Close() }

// ClaimDue finds up to limit pending tasks for non-paused campaigns whose
// scheduled_at is within horizon of now, locks them skipping rows held by
// concurrent claimers, flips them to in-progress, and returns the claimed
// rows. Ordering: ascending scheduled_at, ties broken by id. This is the
// single serialization point that prevents two schedulers from claiming the
// same task.
func (g *Gateway) ClaimDue(ctx context.Context, limit int, horizon time.Duration) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []Task
	err := utils.WithTx(ctx, g.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		now := g.clock()
		cutoff := now.Add(horizon)

		const selectQ = `
SELECT t.id
FROM tasks t
JOIN campaigns c ON c.id = t.campaign_id
WHERE c.is_paused = false
  AND t.status = $1
  AND t.scheduled_at <= $2
ORDER BY t.scheduled_at ASC, t.id ASC
LIMIT $3
FOR UPDATE OF t SKIP LOCKED
`
		rows, err := tx.QueryContext(ctx, selectQ, TaskStatusPending, cutoff, limit)
		if err != nil {
			return fmt.Errorf("claim_due select: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("claim_due scan: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim_due rows: %w", err)
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		const updateQ = `
UPDATE tasks
SET status = $1, updated_at = $2
WHERE id = ANY($3::text[])
RETURNING id, user_id, campaign_id, phone_number_id, status, scheduled_at, retry_count, created_at, updated_at
`
		updRows, err := tx.QueryContext(ctx, updateQ, TaskStatusInProgress, now, pq(ids))
		if err != nil {
			return fmt.Errorf("claim_due update: %w", err)
		}
		defer updRows.Close()
		for updRows.Next() {
			var t Task
			if err := updRows.Scan(&t.ID, &t.UserID, &t.CampaignID, &t.PhoneNumberID, &t.Status, &t.ScheduledAt, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return fmt.Errorf("claim_due update scan: %w", err)
			}
			claimed = append(claimed, t)
		}
		return updRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// LoadClaimedTask fetches a task joined with its campaign, schedule, and
// phone number rows, the coherent snapshot a worker's LOAD step needs.
// Returns ErrNotFound if the row is missing or no longer in-progress.
func (g *Gateway) LoadClaimedTask(ctx context.Context, taskID string) (ClaimedTask, error) {
	const q = `
SELECT
  t.id, t.user_id, t.campaign_id, t.phone_number_id, t.status, t.scheduled_at, t.retry_count, t.created_at, t.updated_at,
  c.id, c.is_paused, c.max_concurrent_calls, c.max_retries, c.retry_delay_seconds,
  s.time_zone, s.schedule_rules,
  p.id, p.user_id, p.number, p.status
FROM tasks t
JOIN campaigns c ON c.id = t.campaign_id
JOIN schedules s ON s.id = c.schedule_id
JOIN phone_numbers p ON p.id = t.phone_number_id
WHERE t.id = $1 AND t.status = $2
`
	var ct ClaimedTask
	err := g.db.QueryRowContext(ctx, q, taskID, TaskStatusInProgress).Scan(
		&ct.Task.ID, &ct.Task.UserID, &ct.Task.CampaignID, &ct.Task.PhoneNumberID, &ct.Task.Status, &ct.Task.ScheduledAt, &ct.Task.RetryCount, &ct.Task.CreatedAt, &ct.Task.UpdatedAt,
		&ct.Campaign.ID, &ct.Campaign.IsPaused, &ct.Campaign.MaxConcurrentCalls, &ct.Campaign.MaxRetries, &ct.Campaign.RetryDelaySeconds,
		&ct.ScheduleTZ, &ct.ScheduleRaw,
		&ct.PhoneNumber.ID, &ct.PhoneNumber.UserID, &ct.PhoneNumber.Number, &ct.PhoneNumber.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClaimedTask{}, ErrNotFound
		}
		return ClaimedTask{}, fmt.Errorf("load_claimed_task: %w", err)
	}
	return ct, nil
}

// CreateLog inserts a new call_log row and returns its generated id.
func (g *Gateway) CreateLog(ctx context.Context, log CallLog) (string, error) {
	id := uuid.NewString()
	const q = `
INSERT INTO call_logs (id, user_id, call_task_id, phone_number_id, dialed_number, external_call_id, status, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := g.db.ExecContext(ctx, q, id, log.UserID, log.CallTaskID, log.PhoneNumberID, log.DialedNumber, log.ExternalCallID, log.Status, log.StartedAt, log.EndedAt)
	if err != nil {
		return "", fmt.Errorf("create_log: %w", err)
	}
	return id, nil
}

// UpdateLog updates a call_log's status, external_call_id, and ended_at.
func (g *Gateway) UpdateLog(ctx context.Context, logID string, status CallLogStatus, externalCallID string, endedAt *time.Time) error {
	const q = `
UPDATE call_logs
SET status = $1, external_call_id = $2, ended_at = $3
WHERE id = $4
`
	res, err := g.db.ExecContext(ctx, q, status, externalCallID, endedAt, logID)
	if err != nil {
		return fmt.Errorf("update_log: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// CompleteTask commits: log completed, task completed, campaign
// completed_tasks++. All in one transaction.
func (g *Gateway) CompleteTask(ctx context.Context, taskID, callLogID, externalCallID string) error {
	return utils.WithTx(ctx, g.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		now := g.clock()

		if _, err := tx.ExecContext(ctx, `UPDATE call_logs SET status = $1, external_call_id = $2, ended_at = $3 WHERE id = $4`, CallLogStatusCompleted, externalCallID, now, callLogID); err != nil {
			return fmt.Errorf("complete_task log: %w", err)
		}

		var campaignID string
		err := tx.QueryRowContext(ctx, `
UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
RETURNING campaign_id
`, TaskStatusCompleted, now, taskID, TaskStatusInProgress).Scan(&campaignID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("complete_task task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET completed_tasks = completed_tasks + 1 WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("complete_task counters: %w", err)
		}
		return nil
	})
}

// RescheduleTask sets the task back to pending at newScheduledAt without
// bumping retry_count. Used on concurrency denial.
func (g *Gateway) RescheduleTask(ctx context.Context, taskID string, newScheduledAt time.Time) error {
	now := g.clock()
	const q = `
UPDATE tasks SET status = $1, scheduled_at = $2, updated_at = $3
WHERE id = $4 AND status = $5
`
	res, err := g.db.ExecContext(ctx, q, TaskStatusPending, newScheduledAt, now, taskID, TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("reschedule_task: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// RetryTask is RescheduleTask plus retry_count and campaign
// retries_attempted increments. Used after a place-failure.
func (g *Gateway) RetryTask(ctx context.Context, taskID string, newScheduledAt time.Time) error {
	return utils.WithTx(ctx, g.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		now := g.clock()
		var campaignID string
		err := tx.QueryRowContext(ctx, `
UPDATE tasks SET status = $1, scheduled_at = $2, updated_at = $3, retry_count = retry_count + 1
WHERE id = $4 AND status = $5
RETURNING campaign_id
`, TaskStatusPending, newScheduledAt, now, taskID, TaskStatusInProgress).Scan(&campaignID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("retry_task task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET retries_attempted = retries_attempted + 1 WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("retry_task counters: %w", err)
		}
		return nil
	})
}

// FailTask sets the task to failed and increments campaign failed_tasks.
func (g *Gateway) FailTask(ctx context.Context, taskID string) error {
	return utils.WithTx(ctx, g.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		now := g.clock()
		var campaignID string
		err := tx.QueryRowContext(ctx, `
UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
RETURNING campaign_id
`, TaskStatusFailed, now, taskID, TaskStatusInProgress).Scan(&campaignID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("fail_task task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET failed_tasks = failed_tasks + 1 WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("fail_task counters: %w", err)
		}
		return nil
	})
}

// AggregateCampaignStatus returns per-status task counts plus is_paused for
// status derivation (internal/campaignstatus does the derivation itself).
// is_paused and the per-status counts are read in one round trip via a left
// join so a concurrent pause/unpause or task transition can't be observed
// as a torn snapshot between two separate reads.
func (g *Gateway) AggregateCampaignStatus(ctx context.Context, campaignID string) (CampaignStatusCounts, error) {
	const q = `
		SELECT
			c.is_paused,
			count(t.id) FILTER (WHERE t.status = 'pending') AS pending,
			count(t.id) FILTER (WHERE t.status = 'in-progress') AS in_progress,
			count(t.id) FILTER (WHERE t.status = 'completed') AS completed,
			count(t.id) FILTER (WHERE t.status = 'failed') AS failed,
			count(t.id) AS total
		FROM campaigns c
		LEFT JOIN tasks t ON t.campaign_id = c.id
		WHERE c.id = $1
		GROUP BY c.is_paused`

	var counts CampaignStatusCounts
	err := g.db.QueryRowContext(ctx, q, campaignID).Scan(
		&counts.IsPaused, &counts.Pending, &counts.InProgress, &counts.Completed, &counts.Failed, &counts.Total,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CampaignStatusCounts{}, ErrNotFound
		}
		return CampaignStatusCounts{}, fmt.Errorf("aggregate_campaign_status: %w", err)
	}
	return counts, nil
}

// ListActiveCampaignIDs returns ids of non-paused campaigns, the tracked set
// the concurrency-counter reconciler sweeps each tick.
func (g *Gateway) ListActiveCampaignIDs(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id FROM campaigns WHERE is_paused = false`)
	if err != nil {
		return nil, fmt.Errorf("list_active_campaign_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list_active_campaign_ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountInProgress returns the count of tasks currently in-progress for a
// campaign, used by the concurrency-counter reconciler to detect drift.
func (g *Gateway) CountInProgress(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := g.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE campaign_id = $1 AND status = $2`, campaignID, TaskStatusInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_in_progress: %w", err)
	}
	return n, nil
}

// ResetOrphans resets in-progress tasks whose updated_at is older than
// threshold back to pending, without bumping retry_count. Used by the
// orphan sweeper.
func (g *Gateway) ResetOrphans(ctx context.Context, threshold time.Duration) (int64, error) {
	now := g.clock()
	cutoff := now.Add(-threshold)
	const q = `
UPDATE tasks SET status = $1, updated_at = $2
WHERE status = $3 AND updated_at < $4
`
	res, err := g.db.ExecContext(ctx, q, TaskStatusPending, now, TaskStatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset_orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset_orphans rows affected: %w", err)
	}
	return n, nil
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// pq is a minimal string-slice-to-Postgres-array adapter for ANY($1)
// parameters, avoiding a dependency on pgx-specific array types so the
// gateway stays driver-agnostic through database/sql.
type pq []string

func (p pq) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	out := "{"
	for i, s := range p {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	out += "}"
	return out, nil
}
