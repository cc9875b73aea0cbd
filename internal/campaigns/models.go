package campaigns

import "time"

// Schedule is a recurring business-hours window in a specific IANA time zone.
type Schedule struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	TimeZone string `json:"time_zone" db:"time_zone"`
	Rules    Rules  `json:"schedule_rules" db:"schedule_rules"`
}

// Rules is the typed form of schedule_rules. It replaces the dynamic JSON
// column with explicit fields; callers never see a bag of dynamic keys.
type Rules struct {
	Days            []string `json:"days"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	ExcludeHolidays bool     `json:"exclude_holidays"`
}

// Campaign is a user-scoped grouping of phone numbers to call under a
// shared schedule and shared execution parameters.
type Campaign struct {
	ID                 string `json:"id" db:"id"`
	UserID             string `json:"user_id" db:"user_id"`
	ScheduleID         string `json:"schedule_id" db:"schedule_id"`
	IsPaused           bool   `json:"is_paused" db:"is_paused"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	MaxRetries         int    `json:"max_retries" db:"max_retries"`
	RetryDelaySeconds  int    `json:"retry_delay_seconds" db:"retry_delay_seconds"`

	TotalTasks       int64 `json:"total_tasks" db:"total_tasks"`
	CompletedTasks   int64 `json:"completed_tasks" db:"completed_tasks"`
	FailedTasks      int64 `json:"failed_tasks" db:"failed_tasks"`
	RetriesAttempted int64 `json:"retries_attempted" db:"retries_attempted"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RetryDelay returns the campaign's configured retry delay as a duration.
func (c Campaign) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}
