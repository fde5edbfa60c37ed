package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Charger debits one call's cost from the owning wallet. Implemented by the
// wallet service; the charge must be atomic and idempotent per call.
type Charger interface {
	ChargeUsage(ctx context.Context, workspaceID, callID string, amountMinor int64, currency, metadata string) error
}

// Settler converts a usage snapshot to cost, records it, and charges the
// wallet. Session teardown awaits it rather than firing and forgetting. A
// failed charge leaves the record marked unbilled for reconciliation instead
// of losing it.
type Settler struct {
	Rates   Rates
	Records RecordStore
	Charger Charger
	Log     *slog.Logger

	clock func() time.Time
}

func NewSettler(rates Rates, records RecordStore, charger Charger, log *slog.Logger) *Settler {
	if log == nil {
		log = slog.Default()
	}
	return &Settler{Rates: rates, Records: records, Charger: charger, Log: log, clock: time.Now}
}

// Settle runs exactly once per call; the session registry's teardown hook
// guarantees that.
func (s *Settler) Settle(ctx context.Context, workspaceID, callID string, u Usage) (Cost, error) {
	cost := s.Rates.CostFor(u)
	now := s.clock().UTC()

	rec := Record{
		ID:               uuid.NewString(),
		WorkspaceID:      workspaceID,
		CallID:           callID,
		TelephonySeconds: u.TelephonySeconds,
		STTSeconds:       u.STTSeconds,
		LLMTokens:        u.LLMTokens,
		TTSChars:         u.TTSChars,
		Currency:         cost.Currency,
		TotalMinor:       cost.TotalMinor,
		Billed:           false,
		CreatedAt:        now,
	}
	if err := s.Records.Insert(ctx, rec); err != nil {
		// Without a record there is nothing to reconcile against; still try
		// to charge so the money side is not silently dropped.
		s.Log.Error("usage record insert failed", "call_id", callID, "err", err)
	}

	if cost.TotalMinor <= 0 {
		_ = s.Records.MarkBilled(ctx, rec.ID, true)
		return cost, nil
	}

	if err := s.Charger.ChargeUsage(ctx, workspaceID, callID, cost.TotalMinor, cost.Currency, "call_usage"); err != nil {
		s.Log.Error("usage charge failed, record left unbilled",
			"call_id", callID, "workspace_id", workspaceID, "total_minor", cost.TotalMinor, "err", err)
		return cost, err
	}

	if err := s.Records.MarkBilled(ctx, rec.ID, true); err != nil {
		s.Log.Warn("usage record billed flag update failed", "call_id", callID, "err", err)
	}
	return cost, nil
}
