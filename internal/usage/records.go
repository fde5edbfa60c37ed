package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// Record is the immutable usage ledger entry written once per call at
// teardown. Billed=false marks the record for reconciliation when the wallet
// charge failed.
type Record struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	CallID      string `json:"call_id" db:"call_id"`

	TelephonySeconds int   `json:"telephony_seconds" db:"telephony_seconds"`
	STTSeconds       int   `json:"stt_seconds" db:"stt_seconds"`
	LLMTokens        int64 `json:"llm_tokens" db:"llm_tokens"`

	// TTSChars is the per-family character breakdown, stored as JSONB.
	TTSChars map[TTSFamily]int64 `json:"tts_chars" db:"-"`

	Currency   string `json:"currency" db:"currency"`
	TotalMinor int64  `json:"total_minor" db:"total_minor"`

	Billed bool `json:"billed" db:"billed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RecordStore persists usage records.
type RecordStore interface {
	Insert(ctx context.Context, r Record) error
	MarkBilled(ctx context.Context, id string, billed bool) error
}

// PostgresRecordStore writes usage_records rows.
type PostgresRecordStore struct {
	DB *sql.DB
}

func (s *PostgresRecordStore) Insert(ctx context.Context, r Record) error {
	const q = `
INSERT INTO usage_records (
  id, workspace_id, call_id, telephony_seconds, stt_seconds, llm_tokens,
  tts_chars, currency, total_minor, billed, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	chars, err := json.Marshal(r.TTSChars)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, q,
		r.ID,
		r.WorkspaceID,
		r.CallID,
		r.TelephonySeconds,
		r.STTSeconds,
		r.LLMTokens,
		chars,
		r.Currency,
		r.TotalMinor,
		r.Billed,
		r.CreatedAt,
	)
	return err
}

func (s *PostgresRecordStore) MarkBilled(ctx context.Context, id string, billed bool) error {
	const q = `UPDATE usage_records SET billed = $2 WHERE id = $1`
	_, err := s.DB.ExecContext(ctx, q, id, billed)
	return err
}

// MemoryRecordStore is an in-memory store for tests.
type MemoryRecordStore struct {
	mu      sync.Mutex
	Records []Record
}

func (s *MemoryRecordStore) Insert(ctx context.Context, r Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, r)
	return nil
}

func (s *MemoryRecordStore) MarkBilled(ctx context.Context, id string, billed bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Records {
		if s.Records[i].ID == id {
			s.Records[i].Billed = billed
			return nil
		}
	}
	return nil
}
