package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/payment"
	"trustyclaw/pkg/logger"
)

type harness struct {
	payments *payment.Engine
	escrows  *Engine
	ledger   *ledger.MockLedger
}

func newHarness(t *testing.T, store Store, opts ...payment.Option) harness {
	t.Helper()
	mock := ledger.NewMockLedger(1_000_000_000)
	opts = append([]payment.Option{payment.WithLogger(logger.Discard())}, opts...)
	payments := payment.NewEngine(payment.NewMemoryStore(), mock, opts...)
	return harness{
		payments: payments,
		escrows:  NewEngine(store, payments, WithLogger(logger.Discard())),
		ledger:   mock,
	}
}

func TestFundAndRelease(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	escrow, err := h.escrows.Open(ctx, "escrow-hackathon-1", 5_000_000, "renter", "provider", "image generation")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if escrow.Status != StatusPending || escrow.IntentID == "" {
		t.Fatalf("unexpected escrow %+v", escrow)
	}
	intent, _ := h.payments.Get(ctx, escrow.IntentID)
	if intent.MetadataString("escrow_id") != "escrow-hackathon-1" || intent.Description != "Escrow: image generation" {
		t.Fatalf("intent not linked: %+v", intent)
	}

	res, err := h.escrows.Fund(ctx, escrow.ID)
	if err != nil || !res.Success || res.Status != payment.StatusConfirmed {
		t.Fatalf("fund: res=%+v err=%v", res, err)
	}
	funded, _ := h.escrows.Get(ctx, escrow.ID)
	if funded.Status != StatusFunded || funded.FundedAt == nil {
		t.Fatalf("expected funded escrow, got %+v", funded)
	}

	res, err = h.escrows.Release(ctx, escrow.ID, "renter", "")
	if err != nil || !res.Success || res.Status != payment.StatusFinalized {
		t.Fatalf("release: res=%+v err=%v", res, err)
	}
	released, _ := h.escrows.Get(ctx, escrow.ID)
	if released.Status != StatusReleased || released.ReleasedAt == nil {
		t.Fatalf("expected released escrow, got %+v", released)
	}
	intent, _ = h.payments.Get(ctx, escrow.IntentID)
	if intent.Status != payment.StatusFinalized {
		t.Fatalf("intent should be finalized, got %s", intent.Status)
	}

	res, err = h.escrows.Refund(ctx, escrow.ID)
	if err != nil || res.Success || res.ErrorCode != CodeEscrowInvalidState {
		t.Fatalf("refund after release should fail softly: res=%+v err=%v", res, err)
	}
}

func TestRefundOnlyFromFunded(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	escrow, _ := h.escrows.Open(ctx, "escrow-1", 2_000_000, "renter", "provider", "")
	res, err := h.escrows.Refund(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("state failures must not raise: %v", err)
	}
	if res.Success || res.ErrorCode != CodeEscrowInvalidState || res.Error != "escrow is pending, cannot refund" {
		t.Fatalf("unexpected result %+v", res)
	}

	h.escrows.Fund(ctx, escrow.ID)
	res, err = h.escrows.Refund(ctx, escrow.ID)
	if err != nil || !res.Success || res.Status != payment.StatusCancelled {
		t.Fatalf("refund: res=%+v err=%v", res, err)
	}
	refunded, _ := h.escrows.Get(ctx, escrow.ID)
	if refunded.Status != StatusRefunded || refunded.RefundedAt == nil {
		t.Fatalf("expected refunded, got %+v", refunded)
	}
	intent, _ := h.payments.Get(ctx, escrow.IntentID)
	if intent.Status != payment.StatusCancelled {
		t.Fatalf("intent should be cancelled, got %s", intent.Status)
	}
}

func TestFundTwiceFailsSoftly(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	escrow, _ := h.escrows.Open(ctx, "", 2_000_000, "renter", "provider", "")
	if len(escrow.ID) != len("escrow-")+12 {
		t.Fatalf("unexpected generated id %s", escrow.ID)
	}
	h.escrows.Fund(ctx, escrow.ID)
	res, err := h.escrows.Fund(ctx, escrow.ID)
	if err != nil || res.Success || res.ErrorCode != CodeEscrowInvalidState {
		t.Fatalf("second fund: res=%+v err=%v", res, err)
	}
	if len(h.ledger.Transfers()) != 1 {
		t.Fatalf("expected one transfer, got %d", len(h.ledger.Transfers()))
	}
}

func TestFundLedgerFailureKeepsEscrowPending(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	escrow, _ := h.escrows.Open(ctx, "escrow-fail", 2_000_000, "renter", "provider", "")
	h.ledger.FailNext(1, errors.New("rpc down"))

	res, err := h.escrows.Fund(ctx, escrow.ID)
	if err != nil || res.Success || res.ErrorCode != payment.CodeLedgerTransferFailed {
		t.Fatalf("unexpected fund result res=%+v err=%v", res, err)
	}
	stored, _ := h.escrows.Get(ctx, escrow.ID)
	if stored.Status != StatusPending {
		t.Fatalf("escrow should stay pending, got %s", stored.Status)
	}
}

func TestUnknownEscrowRaises(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	if _, err := h.escrows.Fund(ctx, "missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("fund: expected not found, got %v", err)
	}
	if _, err := h.escrows.Release(ctx, "missing", "a", "s"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("release: expected not found, got %v", err)
	}
	if _, err := h.escrows.Refund(ctx, "missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("refund: expected not found, got %v", err)
	}
}

func TestOpenRejectsDuplicateID(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	if _, err := h.escrows.Open(ctx, "dup", 2_000_000, "a", "b", ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := h.escrows.Open(ctx, "dup", 2_000_000, "a", "b", "")
	if xerrors.CodeOf(err) != CodeEscrowConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := h.escrows.Open(ctx, "small", 10, "a", "b", ""); xerrors.CodeOf(err) != payment.CodeBelowMinimum {
		t.Fatalf("expected below minimum, got %v", err)
	}
}

func TestMultisigReleaseNeedsTwoSignatures(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), payment.WithMultisigPolicy(payment.MultisigPolicy{
		ThresholdUSD:  100,
		Signers:       []string{"s1", "s2", "s3"},
		RequiredCount: 3,
	}))
	ctx := context.Background()

	escrow, _ := h.escrows.Open(ctx, "escrow-big", 250_000_000, "renter", "provider", "large job")
	res, err := h.escrows.Fund(ctx, escrow.ID)
	if err != nil || res.Success || res.ErrorCode != payment.CodeMultisigIncomplete {
		t.Fatalf("fund without signatures: res=%+v err=%v", res, err)
	}
	if _, err := h.payments.CollectSignature(ctx, escrow.IntentID, "s1", "sig-1"); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res, _ := h.escrows.Fund(ctx, escrow.ID); !res.Success {
		t.Fatalf("fund after signature: %+v", res)
	}

	res, err = h.escrows.Release(ctx, escrow.ID, "s1", "release-sig-1")
	if err != nil || res.Success || res.ErrorCode != CodeEscrowMultisigIncomplete {
		t.Fatalf("first release: res=%+v err=%v", res, err)
	}
	if res.Error != "Need 1 more signature(s)" {
		t.Fatalf("unexpected message %q", res.Error)
	}
	pending, _ := h.escrows.Get(ctx, escrow.ID)
	if pending.Status != StatusFunded || pending.SignedBy() != 1 {
		t.Fatalf("signature should be kept while funded: %+v", pending)
	}

	res, err = h.escrows.Release(ctx, escrow.ID, "s2", "release-sig-2")
	if err != nil || !res.Success {
		t.Fatalf("second release: res=%+v err=%v", res, err)
	}
}

func TestConfigurableReleaseThreshold(t *testing.T) {
	mock := ledger.NewMockLedger(0)
	payments := payment.NewEngine(payment.NewMemoryStore(), mock,
		payment.WithLogger(logger.Discard()),
		payment.WithMultisigPolicy(payment.MultisigPolicy{ThresholdUSD: 1, Signers: []string{"s1"}, RequiredCount: 1}))
	escrows := NewEngine(NewMemoryStore(), payments, WithLogger(logger.Discard()), WithReleaseSignatures(1))
	ctx := context.Background()

	escrow, _ := escrows.Open(ctx, "escrow-one", 5_000_000, "renter", "provider", "")
	payments.CollectSignature(ctx, escrow.IntentID, "s1", "sig")
	escrows.Fund(ctx, escrow.ID)
	res, err := escrows.Release(ctx, escrow.ID, "s1", "release")
	if err != nil || !res.Success {
		t.Fatalf("single signature release: res=%+v err=%v", res, err)
	}
}

func TestDisputeAndResolve(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	a, _ := h.escrows.Open(ctx, "escrow-a", 3_000_000, "renter", "provider", "")
	if res, _ := h.escrows.Dispute(ctx, a.ID, "renter", "late"); res.Success {
		t.Fatalf("pending escrow cannot be disputed")
	}
	h.escrows.Fund(ctx, a.ID)
	if res, err := h.escrows.Dispute(ctx, a.ID, "renter", "late"); err != nil || !res.Success {
		t.Fatalf("dispute: res=%+v err=%v", res, err)
	}
	if res, _ := h.escrows.Release(ctx, a.ID, "renter", ""); res.Success {
		t.Fatalf("disputed escrow must be resolved, not released")
	}
	res, err := h.escrows.ResolveDispute(ctx, a.ID, "arbiter", ResolveRefund)
	if err != nil || !res.Success || res.Status != payment.StatusCancelled {
		t.Fatalf("resolve refund: res=%+v err=%v", res, err)
	}
	stored, _ := h.escrows.Get(ctx, a.ID)
	if stored.Status != StatusRefunded || stored.DisputeReason != "late" {
		t.Fatalf("unexpected escrow %+v", stored)
	}

	b, _ := h.escrows.Open(ctx, "escrow-b", 3_000_000, "renter", "provider", "")
	h.escrows.Fund(ctx, b.ID)
	h.escrows.Dispute(ctx, b.ID, "provider", "renter unresponsive")
	res, _ = h.escrows.ResolveDispute(ctx, b.ID, "arbiter", ResolveRelease)
	if !res.Success || res.Status != payment.StatusFinalized {
		t.Fatalf("resolve release: %+v", res)
	}
	if res, _ := h.escrows.ResolveDispute(ctx, b.ID, "arbiter", ResolveRelease); res.Success {
		t.Fatalf("resolved escrow cannot be resolved again")
	}
}

func TestTrackBindsExistingIntent(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	intent, _ := h.payments.CreateIntent(ctx, 4_000_000, "renter", "provider", "direct", nil)
	h.payments.Execute(ctx, intent.ID)

	escrow, err := h.escrows.Track(ctx, "escrow-tracked", intent.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if escrow.IntentID != intent.ID || escrow.Status != StatusFunded || escrow.Amount != intent.Amount {
		t.Fatalf("unexpected tracked escrow %+v", escrow)
	}
	again, _ := h.escrows.Track(ctx, "escrow-tracked", "pi-other")
	if again.IntentID != intent.ID {
		t.Fatalf("tracking an existing escrow should return it")
	}
	if _, err := h.escrows.Track(ctx, "escrow-new", "pi-missing"); !errors.Is(err, payment.ErrIntentNotFound) {
		t.Fatalf("expected intent not found, got %v", err)
	}

	view, err := h.escrows.Status(ctx, "escrow-tracked")
	if err != nil || view.Intent == nil || view.Intent.Status != payment.StatusConfirmed {
		t.Fatalf("status view: %+v err=%v", view, err)
	}
}

func TestExportJSON(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	h.escrows.Open(ctx, "escrow-x", 1_500_000, "renter", "provider", "")
	h.escrows.Open(ctx, "escrow-y", 2_000_000, "someone", "else", "")

	data, err := h.escrows.ExportJSON(ctx, "renter")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var exported []map[string]any
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(exported) != 1 {
		t.Fatalf("expected 1 escrow, got %d", len(exported))
	}
	row := exported[0]
	if row["escrow_id"] != "escrow-x" || row["amount_usd"] != 1.5 || row["status"] != "pending" {
		t.Fatalf("unexpected export row %v", row)
	}
	if _, ok := row["signatures"].(map[string]any); !ok {
		t.Fatalf("signatures should export as an object")
	}

	all, _ := h.escrows.ListByWallet(ctx, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 escrows, got %d", len(all))
	}
}
