package wallet

import (
	"context"
	"database/sql"
	"testing"
)

// The money operations (Credit/ChargeUsage) are implemented with
// Postgres-specific SQL (notably SELECT ... FOR UPDATE), so end-to-end
// behavior (balance changes, idempotent charges, ledger inserts) is covered
// by integration tests against Postgres.
//
// What we can safely unit-test without a DB is input validation.

func TestService_Credit_RejectsInvalidArgs(t *testing.T) {
	svc := NewService((*sql.DB)(nil), nil)

	_, _, err := svc.Credit(context.Background(), "", CreditRequest{AmountMinor: 100, Currency: "USD", IdempotencyKey: "k"})
	if err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	_, _, err = svc.Credit(context.Background(), "ws", CreditRequest{AmountMinor: 0, Currency: "USD", IdempotencyKey: "k"})
	if err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	_, _, err = svc.Credit(context.Background(), "ws", CreditRequest{AmountMinor: 100, Currency: "", IdempotencyKey: "k"})
	if err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	_, _, err = svc.Credit(context.Background(), "ws", CreditRequest{AmountMinor: 100, Currency: "USD", IdempotencyKey: ""})
	if err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestService_ChargeUsage_RejectsInvalidArgs(t *testing.T) {
	svc := NewService((*sql.DB)(nil), nil)

	if err := svc.ChargeUsage(context.Background(), "", "call1", 100, "USD", ""); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := svc.ChargeUsage(context.Background(), "ws", "", 100, "USD", ""); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := svc.ChargeUsage(context.Background(), "ws", "call1", -1, "USD", ""); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestService_CheckMinimum_ZeroThresholdAlwaysAllows(t *testing.T) {
	svc := NewService((*sql.DB)(nil), nil)

	ok, err := svc.CheckMinimum(context.Background(), "ws", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected zero threshold to allow without a lookup")
	}
}

func TestUsageKey(t *testing.T) {
	if usageKey("abc") != "usage:abc" {
		t.Fatalf("unexpected usage key: %q", usageKey("abc"))
	}
}
