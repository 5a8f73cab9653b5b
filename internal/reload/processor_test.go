package reload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/payment"
	"trustyclaw/pkg/logger"
)

func newPayments(t *testing.T) (*payment.Engine, *ledger.MockLedger) {
	t.Helper()
	mock := ledger.NewMockLedger(1_000_000_000)
	return payment.NewEngine(payment.NewMemoryStore(), mock, payment.WithLogger(logger.Discard())), mock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleTransfersFromTreasury(t *testing.T) {
	payments, mock := newPayments(t)
	p := NewProcessor(payments, "treasury", nil, nil, WithProcessorLogger(logger.Discard()))

	req := NewRequest("wallet-a", 100_000_000, "low balance", time.Now())
	if err := p.Handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	outcomes := p.Outcomes("wallet-a")
	if len(outcomes) != 1 || !outcomes[0].Success || outcomes[0].IntentID == "" {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	transfers := mock.Transfers()
	if len(transfers) != 1 || transfers[0].Source != "treasury" || transfers[0].Destination != "wallet-a" {
		t.Fatalf("unexpected transfers %+v", transfers)
	}
	intent, err := payments.Get(context.Background(), outcomes[0].IntentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.MetadataString("reload_id") != req.ID || intent.Status != payment.StatusConfirmed {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestHandleRequeuesLedgerFailure(t *testing.T) {
	payments, mock := newPayments(t)
	mock.FailNext(1, errors.New("rpc unavailable"))
	queue := NewMemoryQueue(4)
	p := NewProcessor(payments, "treasury", queue, queue, WithProcessorLogger(logger.Discard()))

	req := NewRequest("wallet-b", 5_000_000, "", time.Now())
	if err := p.Handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected request to be requeued, queue has %d", queue.Len())
	}
	first := p.Outcomes("")[0]
	if first.Success || first.Final || first.ErrorCode != string(CodeReloadFailed) {
		t.Fatalf("unexpected first outcome %+v", first)
	}

	retried := <-queue.ch
	if retried.Attempts != 1 {
		t.Fatalf("expected attempts carried over, got %d", retried.Attempts)
	}
	if err := p.Handle(context.Background(), retried); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	outcomes := p.Outcomes("wallet-b")
	if len(outcomes) != 2 || !outcomes[1].Success {
		t.Fatalf("expected retry to succeed, got %+v", outcomes)
	}
}

func TestHandleStopsAfterMaxAttempts(t *testing.T) {
	payments, mock := newPayments(t)
	mock.FailNext(10, errors.New("rpc unavailable"))
	queue := NewMemoryQueue(4)
	p := NewProcessor(payments, "treasury", queue, queue, WithMaxAttempts(2), WithProcessorLogger(logger.Discard()))

	req := NewRequest("wallet-c", 5_000_000, "", time.Now())
	req.Attempts = 1
	if err := p.Handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("exhausted request must not be requeued")
	}
	if o := p.Outcomes("wallet-c"); len(o) != 1 || !o[0].Final {
		t.Fatalf("expected final failure, got %+v", o)
	}
}

func TestHandleRejectsInvalidRequest(t *testing.T) {
	payments, mock := newPayments(t)
	p := NewProcessor(payments, "treasury", nil, nil, WithProcessorLogger(logger.Discard()))

	if err := p.Handle(context.Background(), Request{ID: "reload-x", Wallet: "w", Amount: 10}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	o := p.Outcomes("w")
	if len(o) != 1 || o[0].ErrorCode != string(payment.CodeBelowMinimum) || !o[0].Final {
		t.Fatalf("expected below-minimum final outcome, got %+v", o)
	}
	if len(mock.Transfers()) != 0 {
		t.Fatalf("no transfer expected")
	}
}

func TestProcessorConsumesQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payments, mock := newPayments(t)
	queue := NewMemoryQueue(256)
	p := NewProcessor(payments, "treasury", queue, queue, WithWorkerCount(4), WithProcessorLogger(logger.Discard()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 50
	for i := 0; i < total; i++ {
		if err := queue.Publish(ctx, NewRequest("wallet-d", 1_000_000, "", time.Now())); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, func() bool { return len(p.Outcomes("wallet-d")) >= total })
	cancel()
	wg.Wait()

	if got := len(mock.Transfers()); got != total {
		t.Fatalf("expected %d transfers, got %d", total, got)
	}
}

func TestStartRequiresConfiguration(t *testing.T) {
	p := NewProcessor(nil, "", nil, nil)
	if err := p.Start(context.Background()); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestMemoryQueueRejectsInvalidAndClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), Request{Wallet: "", Amount: 1}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_ = q.Close()
	if err := q.Publish(context.Background(), NewRequest("w", 1, "", time.Now())); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
}

func TestRequestCodec(t *testing.T) {
	req := NewRequest("wallet", 42_000_000, "reason", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	body, err := encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != req.ID || got.Amount != req.Amount || !got.RequestedAt.Equal(req.RequestedAt) {
		t.Fatalf("codec mismatch: %+v vs %+v", got, req)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}
