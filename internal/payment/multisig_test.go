package payment

import (
	"context"
	"errors"
	"testing"

	xerrors "trustyclaw/internal/errors"
)

var largePolicy = MultisigPolicy{
	ThresholdUSD:  100,
	Signers:       []string{"signer-1", "signer-2", "signer-3"},
	RequiredCount: 2,
}

func TestMultisigStampedAtThreshold(t *testing.T) {
	engine, _ := newTestEngine(t, WithMultisigPolicy(largePolicy))
	ctx := context.Background()

	above, err := engine.CreateIntent(ctx, 100_000_000, "A", "B", "large", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !above.RequiresMultisig() {
		t.Fatalf("expected multisig at threshold")
	}
	if got := above.SignersRequired(); len(got) != 3 || got[0] != "signer-1" {
		t.Fatalf("unexpected signers %v", got)
	}
	if len(above.SignaturesCollected()) != 0 {
		t.Fatalf("expected empty signature collection")
	}

	below, _ := engine.CreateIntent(ctx, 99_999_999, "A", "B", "small", nil)
	if below.RequiresMultisig() {
		t.Fatalf("amount below threshold must not require multisig")
	}
	if _, ok := below.Metadata[MetaRequiresMultisig]; ok {
		t.Fatalf("flag should be absent below threshold")
	}
}

func TestMultisigExecuteRequiresSignature(t *testing.T) {
	engine, _ := newTestEngine(t, WithMultisigPolicy(largePolicy))
	ctx := context.Background()

	intent, _ := engine.CreateIntent(ctx, 500_000_000, "A", "B", "large", nil)
	if _, err := engine.Execute(ctx, intent.ID); !errors.Is(err, ErrMultisigIncomplete) {
		t.Fatalf("expected multisig incomplete, got %v", err)
	}
	stored, _ := engine.Get(ctx, intent.ID)
	if stored.Status != StatusPending {
		t.Fatalf("rejected execute must not mutate status, got %s", stored.Status)
	}

	status, err := engine.CollectSignature(ctx, intent.ID, "signer-1", "sig-1")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if status.Complete || status.Collected != 1 || status.Needed != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	status, _ = engine.CollectSignature(ctx, intent.ID, "signer-2", "sig-2")
	if !status.Complete || status.Collected != 2 || status.Needed != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if res, err := engine.Execute(ctx, intent.ID); err != nil || !res.Success {
		t.Fatalf("execute after signatures: res=%+v err=%v", res, err)
	}
}

func TestCollectSignatureRejectsOutsider(t *testing.T) {
	engine, _ := newTestEngine(t, WithMultisigPolicy(largePolicy))
	ctx := context.Background()

	intent, _ := engine.CreateIntent(ctx, 500_000_000, "A", "B", "large", nil)
	for i := 0; i < 3; i++ {
		_, err := engine.CollectSignature(ctx, intent.ID, "mallory", "forged")
		if xerrors.CodeOf(err) != CodeSignerUnauthorized {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	}
	stored, _ := engine.Get(ctx, intent.ID)
	if len(stored.SignaturesCollected()) != 0 {
		t.Fatalf("outsider signature must not be recorded")
	}
	if xerrors.KindOf(xerrors.New(CodeSignerUnauthorized, "")) != xerrors.KindUnauthorized {
		t.Fatalf("unauthorized code should map to unauthorized kind")
	}
}

func TestCollectSignatureNotRequired(t *testing.T) {
	engine, _ := newTestEngine(t, WithMultisigPolicy(largePolicy))
	intent, _ := engine.CreateIntent(context.Background(), 5_000, "A", "B", "small", nil)
	_, err := engine.CollectSignature(context.Background(), intent.ID, "signer-1", "sig")
	if xerrors.CodeOf(err) != CodeMultisigNotRequired {
		t.Fatalf("expected not required, got %v", err)
	}
}

func TestPolicyChangeIsNotRetroactive(t *testing.T) {
	engine, _ := newTestEngine(t, WithMultisigPolicy(largePolicy))
	ctx := context.Background()

	intent, _ := engine.CreateIntent(ctx, 500_000_000, "A", "B", "large", nil)
	engine.SetMultisigConfig(MultisigPolicy{ThresholdUSD: 100, Signers: []string{"other"}, RequiredCount: 3})

	status, err := engine.CollectSignature(ctx, intent.ID, "signer-1", "sig-1")
	if err != nil {
		t.Fatalf("original signer should remain authorized: %v", err)
	}
	if status.Needed != 1 {
		t.Fatalf("threshold fixed at creation should need 1 more, got %d", status.Needed)
	}
	fresh, _ := engine.CreateIntent(ctx, 500_000_000, "A", "B", "large", nil)
	if got := fresh.SignersRequired(); len(got) != 1 || got[0] != "other" {
		t.Fatalf("new intents should use new policy, got %v", got)
	}
}

func TestInitiateRecovery(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	intent, _ := engine.CreateIntent(ctx, 5_000, "A", "B", "stuck", nil)

	if _, err := engine.InitiateRecovery(ctx, intent.ID, "ops", "stuck"); xerrors.CodeOf(err) != CodeRecoveryNotConfigured {
		t.Fatalf("expected recovery not configured, got %v", err)
	}

	engine.SetMultisigConfig(MultisigPolicy{RecoverySigner: "ops"})
	record, err := engine.InitiateRecovery(ctx, intent.ID, "ops", "stuck")
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if record.Status != "pending" || record.IntentID != intent.ID {
		t.Fatalf("unexpected record %+v", record)
	}
	if _, err := engine.InitiateRecovery(ctx, "pi-missing", "ops", "x"); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
