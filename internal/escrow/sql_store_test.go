package escrow

import (
	"context"
	"path/filepath"
	"testing"

	"trustyclaw/internal/config"
	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/payment"
	"trustyclaw/internal/storage/database"
)

func TestSQLStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "escrow.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	h := newHarness(t, store, payment.WithMultisigPolicy(payment.MultisigPolicy{
		ThresholdUSD: 100, Signers: []string{"s1", "s2"}, RequiredCount: 1,
	}))
	escrow, err := h.escrows.Open(ctx, "escrow-sql", 150_000_000, "renter", "provider", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.escrows.Open(ctx, "escrow-sql", 150_000_000, "renter", "provider", ""); err == nil {
		t.Fatalf("expected duplicate error")
	}
	h.payments.CollectSignature(ctx, escrow.IntentID, "s1", "sig")
	if res, _ := h.escrows.Fund(ctx, escrow.ID); !res.Success {
		t.Fatalf("fund: %+v", res)
	}
	if res, _ := h.escrows.Release(ctx, escrow.ID, "s1", "r1"); res.Success {
		t.Fatalf("one signature should not release")
	}

	stored, err := store.Get(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Signatures["s1"] != "r1" || stored.FundedAt == nil || stored.Status != StatusFunded {
		t.Fatalf("unexpected stored escrow %+v", stored)
	}

	if res, _ := h.escrows.Release(ctx, escrow.ID, "s2", "r2"); !res.Success {
		t.Fatalf("release: %+v", res)
	}
	list, err := store.List(ctx, "provider")
	if err != nil || len(list) != 1 || list[0].Status != StatusReleased || list[0].ReleasedAt == nil {
		t.Fatalf("list: %v %+v", err, list)
	}

	stale := *stored
	stale.Status = StatusRefunded
	if err := store.Update(ctx, &stale); xerrors.CodeOf(err) != CodeEscrowConflict {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
