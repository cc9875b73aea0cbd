// Package store is the typed adapter over the relational store: atomic
// claim, per-task transitions, per-campaign counter increments, and
// aggregate queries. All multi-row transitions are transactional.
package store

import "time"

// TaskStatus is the canonical status enum for the task table. The schema
// value wins: "in-progress" (hyphen), never the underscore variant.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// CallLogStatus is the canonical status enum for the call_log table.
type CallLogStatus string

const (
	CallLogStatusInitiated  CallLogStatus = "initiated"
	CallLogStatusInProgress CallLogStatus = "in-progress"
	CallLogStatusCompleted  CallLogStatus = "completed"
	CallLogStatusFailed     CallLogStatus = "failed"
)

// Task is the per-phone-number unit of work within a campaign.
type Task struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	CampaignID    string     `json:"campaign_id" db:"campaign_id"`
	PhoneNumberID string     `json:"phone_number_id" db:"phone_number_id"`
	Status        TaskStatus `json:"status" db:"status"`
	ScheduledAt   time.Time  `json:"scheduled_at" db:"scheduled_at"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// CallLog is the audit record of a single placement attempt.
type CallLog struct {
	ID             string        `json:"id" db:"id"`
	UserID         string        `json:"user_id" db:"user_id"`
	CallTaskID     string        `json:"call_task_id" db:"call_task_id"`
	PhoneNumberID  string        `json:"phone_number_id" db:"phone_number_id"`
	DialedNumber   string        `json:"dialed_number" db:"dialed_number"`
	ExternalCallID string        `json:"external_call_id,omitempty" db:"external_call_id"`
	Status         CallLogStatus `json:"status" db:"status"`
	StartedAt      time.Time     `json:"started_at" db:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// PhoneNumber is referenced by id/number only; full phone-number lifecycle
// management is API-surface, out of scope here.
type PhoneNumber struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Number string `json:"number" db:"number"`
	Status string `json:"status" db:"status"`
}

// ClaimedTask is a task row joined with the campaign, schedule, and phone
// number rows a worker needs to run the per-task state machine, matching
// the gateway's "joined eager load kept at the gateway layer" design note.
type ClaimedTask struct {
	Task        Task
	Campaign    campaignSnapshot
	ScheduleTZ  string
	ScheduleRaw RulesJSON
	PhoneNumber PhoneNumber
}

// campaignSnapshot is the subset of campaign fields the worker needs to
// drive the state machine and reschedule decisions.
type campaignSnapshot struct {
	ID                 string `json:"id" db:"id"`
	IsPaused           bool   `json:"is_paused" db:"is_paused"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	MaxRetries         int    `json:"max_retries" db:"max_retries"`
	RetryDelaySeconds  int    `json:"retry_delay_seconds" db:"retry_delay_seconds"`
}

// CampaignSnapshot returns the campaign fields the worker's state machine
// reads: id, pause flag, concurrency cap, retry cap, and retry delay.
func (c ClaimedTask) CampaignSnapshot() (id string, isPaused bool, maxConcurrent, maxRetries, retryDelaySeconds int) {
	return c.Campaign.ID, c.Campaign.IsPaused, c.Campaign.MaxConcurrentCalls, c.Campaign.MaxRetries, c.Campaign.RetryDelaySeconds
}

// NewClaimedTask assembles a ClaimedTask from its parts. The campaign
// snapshot fields are exposed here, not via a struct literal, since
// campaignSnapshot's type name is unexported; callers outside the package
// (notably worker pool tests) use this instead of the gateway's joined
// load.
func NewClaimedTask(task Task, campaignID string, isPaused bool, maxConcurrentCalls, maxRetries, retryDelaySeconds int, scheduleTZ string, scheduleRaw RulesJSON, phone PhoneNumber) ClaimedTask {
	return ClaimedTask{
		Task: task,
		Campaign: campaignSnapshot{
			ID:                 campaignID,
			IsPaused:           isPaused,
			MaxConcurrentCalls: maxConcurrentCalls,
			MaxRetries:         maxRetries,
			RetryDelaySeconds:  retryDelaySeconds,
		},
		ScheduleTZ:  scheduleTZ,
		ScheduleRaw: scheduleRaw,
		PhoneNumber: phone,
	}
}

// RulesJSON is the raw schedule_rules JSON column; decoded by callers into
// campaigns.Rules (kept here to avoid an import cycle between store and
// campaigns for the one raw-column type).
type RulesJSON []byte

// CampaignStatusCounts is the per-status task tally behind the campaign
// status aggregator.
type CampaignStatusCounts struct {
	IsPaused   bool
	Total      int64
	Pending    int64
	InProgress int64
	Completed  int64
	Failed     int64
}
