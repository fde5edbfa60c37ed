package wallet

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"dialflow/pkg/utils"

	"github.com/google/uuid"
)

// Service provides wallet operations for the calling platform.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations must be executed in a DB transaction
//
// Billing posture:
// - Pre-flight checks (CheckMinimum) gate new sessions and campaign batches.
// - Usage charges (ChargeUsage) always post, even into a negative balance:
//   the call already happened and must be accounted for.
type Service struct {
	db  *sql.DB
	log *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, log: log, clock: time.Now}
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
)

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// GetBalance returns the workspace's current balance.
func (s *Service) GetBalance(ctx context.Context, workspaceID string) (Balance, error) {
	if workspaceID == "" {
		return Balance{}, ErrInvalidArgument
	}
	w, err := findWalletByWorkspace(ctx, s.db, workspaceID)
	if err != nil {
		return Balance{}, err
	}
	return getBalance(ctx, s.db, workspaceID, w.ID)
}

// CheckMinimum is the pre-flight balance gate: true when the workspace can
// afford at least minimumMinor. Sessions are refused and campaigns paused
// when it returns false. No charge is ever made here.
func (s *Service) CheckMinimum(ctx context.Context, workspaceID string, minimumMinor int64) (bool, error) {
	if workspaceID == "" {
		return false, ErrInvalidArgument
	}
	if minimumMinor <= 0 {
		return true, nil
	}
	b, err := s.GetBalance(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// No wallet means no funds; refuse rather than fail open.
			return false, nil
		}
		return false, err
	}
	return b.BalanceMinor >= minimumMinor, nil
}

// Credit posts a top-up (or admin adjustment) to the workspace wallet.
func (s *Service) Credit(ctx context.Context, workspaceID string, req CreditRequest) (Ledger, Balance, error) {
	if workspaceID == "" || req.Currency == "" || req.IdempotencyKey == "" {
		return Ledger{}, Balance{}, ErrInvalidArgument
	}
	if req.AmountMinor <= 0 {
		return Ledger{}, Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	ledgerID := uuid.NewString()

	var outLedger Ledger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := findWalletByWorkspace(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		w, err = lockWallet(ctx, tx, workspaceID, w.ID)
		if err != nil {
			return err
		}
		if w.Currency != req.Currency {
			return ErrInvalidArgument
		}

		// Idempotency: if a ledger entry already exists for this key, return it.
		if existing, ok, err := findLedgerByIdempotency(ctx, tx, workspaceID, w.ID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			b, err := getBalance(ctx, tx, workspaceID, w.ID)
			if err != nil {
				return err
			}
			outBal = b
			return nil
		}

		entry := Ledger{
			ID:             ledgerID,
			WorkspaceID:    workspaceID,
			WalletID:       w.ID,
			Type:           LedgerEntryTypeCredit,
			AmountMinor:    req.AmountMinor,
			Currency:       req.Currency,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		b, err := applyBalanceDelta(ctx, tx, workspaceID, w.ID, req.Currency, req.AmountMinor, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = b
		return nil
	})

	return outLedger, outBal, err
}

// ChargeUsage posts the cost of one finished call as a single atomic debit.
// The call id doubles as the idempotency key, so retried teardowns post at
// most one charge. A balance below the amount is logged, not rejected.
func (s *Service) ChargeUsage(ctx context.Context, workspaceID, callID string, amountMinor int64, currency, metadata string) error {
	if workspaceID == "" || callID == "" || currency == "" {
		return ErrInvalidArgument
	}
	if amountMinor <= 0 {
		return ErrInvalidArgument
	}

	now := s.clock().UTC()
	ledgerID := uuid.NewString()

	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := findWalletByWorkspace(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		w, err = lockWallet(ctx, tx, workspaceID, w.ID)
		if err != nil {
			return err
		}

		if _, ok, err := findLedgerByIdempotency(ctx, tx, workspaceID, w.ID, usageKey(callID)); err != nil {
			return err
		} else if ok {
			// Charge already posted for this call.
			return nil
		}

		entry := Ledger{
			ID:             ledgerID,
			WorkspaceID:    workspaceID,
			WalletID:       w.ID,
			Type:           LedgerEntryTypeUsageCharge,
			AmountMinor:    -amountMinor,
			Currency:       currency,
			ExternalRef:    callID,
			IdempotencyKey: usageKey(callID),
			Metadata:       metadata,
			CreatedAt:      now,
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		b, err := applyBalanceDelta(ctx, tx, workspaceID, w.ID, currency, -amountMinor, now)
		if err != nil {
			return err
		}
		if b.BalanceMinor < 0 {
			s.log.Warn("usage charge drove balance negative",
				"workspace_id", workspaceID, "call_id", callID, "balance_minor", b.BalanceMinor)
		}
		return nil
	})
}

func usageKey(callID string) string {
	return "usage:" + callID
}
