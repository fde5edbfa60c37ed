package campaign

import "time"

// Status is the campaign lifecycle state. Transitions are driven only by
// the dialer: draft -> running -> {paused, retrying, completed, cancelled},
// paused -> running, retrying -> running.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ContactStatus: pending -> calling -> {completed, failed}. A failed contact
// goes back to calling only while retry-eligible.
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
)

type Campaign struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	AgentID     string `json:"agent_id" db:"agent_id"`
	Name        string `json:"name" db:"name"`
	Status      Status `json:"status" db:"status"`

	ConcurrencyLimit     int `json:"concurrency_limit" db:"concurrency_limit"`
	MaxRetryAttempts     int `json:"max_retry_attempts" db:"max_retry_attempts"`
	RetryIntervalSeconds int `json:"retry_interval_seconds" db:"retry_interval_seconds"`
	CallIntervalSeconds  int `json:"call_interval_seconds" db:"call_interval_seconds"`

	TotalContacts   int   `json:"total_contacts" db:"total_contacts"`
	CompletedCalls  int   `json:"completed_calls" db:"completed_calls"`
	SuccessfulCalls int   `json:"successful_calls" db:"successful_calls"`
	FailedCalls     int   `json:"failed_calls" db:"failed_calls"`
	TotalCostMinor  int64 `json:"total_cost_minor" db:"total_cost_minor"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Contact struct {
	ID         string        `json:"id" db:"id"`
	CampaignID string        `json:"campaign_id" db:"campaign_id"`
	Phone      string        `json:"phone" db:"phone"`
	Email      string        `json:"email" db:"email"`
	Status     ContactStatus `json:"status" db:"status"`

	RetryCount    int        `json:"retry_count" db:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at" db:"last_attempt_at"`

	// CallID correlates the contact with the provider call once dialed.
	CallID       string `json:"call_id" db:"call_id"`
	ErrorMessage string `json:"error_message" db:"error_message"`
	RecordingURL string `json:"recording_url" db:"recording_url"`

	Transcript   string     `json:"transcript" db:"transcript"`
	Intent       string     `json:"intent" db:"intent"`
	ScheduleTime *time.Time `json:"schedule_time" db:"schedule_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RetryEligible reports whether a failed contact may be dialed again:
// attempts remain and the retry cooldown has elapsed.
func (c Contact) RetryEligible(cmp Campaign, now time.Time) bool {
	if c.Status != ContactFailed {
		return false
	}
	if c.RetryCount >= cmp.MaxRetryAttempts {
		return false
	}
	if c.LastAttemptAt == nil {
		return true
	}
	cooldown := time.Duration(cmp.RetryIntervalSeconds) * time.Second
	return now.Sub(*c.LastAttemptAt) >= cooldown
}

// Dialable reports whether the contact belongs in the current dialer pass.
func (c Contact) Dialable(cmp Campaign, now time.Time) bool {
	switch c.Status {
	case ContactPending:
		return true
	case ContactFailed:
		return c.RetryEligible(cmp, now)
	default:
		return false
	}
}

// CounterDelta is one batch of counter increments applied atomically.
type CounterDelta struct {
	CompletedCalls  int
	SuccessfulCalls int
	FailedCalls     int
	CostMinor       int64
}

// Outstanding summarizes the work left in a campaign, used by completion
// evaluation after dialer passes and call callbacks.
type Outstanding struct {
	Pending   int
	Calling   int
	Retryable int
}

func (o Outstanding) Done() bool {
	return o.Pending == 0 && o.Calling == 0 && o.Retryable == 0
}
