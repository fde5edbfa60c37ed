package campaign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists campaigns and contacts with raw SQL over
// database/sql. Counter updates are single-statement and therefore atomic;
// nothing here needs an explicit transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `
	id, workspace_id, agent_id, name, status,
	concurrency_limit, max_retry_attempts, retry_interval_seconds, call_interval_seconds,
	total_contacts, completed_calls, successful_calls, failed_calls, total_cost_minor,
	created_at, updated_at`

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	var c Campaign
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.WorkspaceID, &c.AgentID, &c.Name, &c.Status,
		&c.ConcurrencyLimit, &c.MaxRetryAttempts, &c.RetryIntervalSeconds, &c.CallIntervalSeconds,
		&c.TotalContacts, &c.CompletedCalls, &c.SuccessfulCalls, &c.FailedCalls, &c.TotalCostMinor,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetCampaignStatus(ctx context.Context, id string, status Status) error {
	q := `UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddCounters(ctx context.Context, id string, delta CounterDelta) error {
	q := `
		UPDATE campaigns
		SET completed_calls = completed_calls + $2,
		    successful_calls = successful_calls + $3,
		    failed_calls = failed_calls + $4,
		    total_cost_minor = total_cost_minor + $5,
		    updated_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, delta.CompletedCalls, delta.SuccessfulCalls, delta.FailedCalls, delta.CostMinor)
	if err != nil {
		return fmt.Errorf("add campaign counters: %w", err)
	}
	return nil
}

const contactColumns = `
	id, campaign_id, phone, COALESCE(email, ''), status,
	retry_count, last_attempt_at, COALESCE(call_id, ''), COALESCE(error_message, ''),
	COALESCE(recording_url, ''), COALESCE(transcript, ''), COALESCE(intent, ''),
	schedule_time, created_at`

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.Phone, &c.Email, &c.Status,
		&c.RetryCount, &c.LastAttemptAt, &c.CallID, &c.ErrorMessage,
		&c.RecordingURL, &c.Transcript, &c.Intent,
		&c.ScheduleTime, &c.CreatedAt,
	)
	return c, err
}

func (s *PostgresStore) EligibleContacts(ctx context.Context, cmp Campaign, now time.Time) ([]Contact, error) {
	q := `
		SELECT ` + contactColumns + `
		FROM campaign_contacts
		WHERE campaign_id = $1
		  AND (
		    status = 'pending'
		    OR (
		      status = 'failed'
		      AND retry_count < $2
		      AND (last_attempt_at IS NULL OR last_attempt_at <= $3)
		    )
		  )
		ORDER BY created_at, id`
	cutoff := now.Add(-time.Duration(cmp.RetryIntervalSeconds) * time.Second)
	rows, err := s.db.QueryContext(ctx, q, cmp.ID, cmp.MaxRetryAttempts, cutoff)
	if err != nil {
		return nil, fmt.Errorf("eligible contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Outstanding(ctx context.Context, cmp Campaign) (Outstanding, error) {
	q := `
		SELECT
		  COUNT(*) FILTER (WHERE status = 'pending'),
		  COUNT(*) FILTER (WHERE status = 'calling'),
		  COUNT(*) FILTER (WHERE status = 'failed' AND retry_count < $2)
		FROM campaign_contacts
		WHERE campaign_id = $1`
	var o Outstanding
	err := s.db.QueryRowContext(ctx, q, cmp.ID, cmp.MaxRetryAttempts).Scan(&o.Pending, &o.Calling, &o.Retryable)
	if err != nil {
		return Outstanding{}, fmt.Errorf("outstanding contacts: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) MarkCalling(ctx context.Context, contactID, callID string, now time.Time) error {
	q := `
		UPDATE campaign_contacts
		SET status = 'calling', call_id = $2, last_attempt_at = $3, error_message = NULL
		WHERE id = $1`
	return s.exec(ctx, q, contactID, callID, now)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, contactID string) error {
	q := `UPDATE campaign_contacts SET status = 'completed' WHERE id = $1`
	return s.exec(ctx, q, contactID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, contactID, reason string, now time.Time) error {
	q := `
		UPDATE campaign_contacts
		SET status = 'failed', error_message = $2, retry_count = retry_count + 1, last_attempt_at = $3
		WHERE id = $1`
	return s.exec(ctx, q, contactID, reason, now)
}

func (s *PostgresStore) ContactByCallID(ctx context.Context, callID string) (Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM campaign_contacts WHERE call_id = $1 LIMIT 1`
	c, err := scanContact(s.db.QueryRowContext(ctx, q, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("contact by call id: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetRecordingURL(ctx context.Context, contactID, url string) error {
	q := `UPDATE campaign_contacts SET recording_url = $2 WHERE id = $1`
	return s.exec(ctx, q, contactID, url)
}

func (s *PostgresStore) SetCallResult(ctx context.Context, contactID, transcript, intent string) error {
	q := `UPDATE campaign_contacts SET transcript = $2, intent = $3 WHERE id = $1`
	return s.exec(ctx, q, contactID, transcript, intent)
}

func (s *PostgresStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
