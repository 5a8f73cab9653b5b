package ledger

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestAmountConversion(t *testing.T) {
	if got := Amount(1_000_000).Float(); got != 1.0 {
		t.Fatalf("expected 1.0, got %v", got)
	}
	if got, err := FromFloat(0.1); err != nil || got != 100_000 {
		t.Fatalf("expected 100000 micro-units, got %d err %v", got, err)
	}
	parsed, err := ParseUSD("12.3456789")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != 12_345_678 {
		t.Fatalf("expected truncation to 12345678, got %d", parsed)
	}
	if _, err := ParseUSD("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
	if !Amount(100_000_000).AtLeastUSD(100) || Amount(99_999_999).AtLeastUSD(100) {
		t.Fatalf("threshold comparison incorrect")
	}
	if Amount(1_500_000).String() != "1.500000" {
		t.Fatalf("unexpected string: %s", Amount(1_500_000).String())
	}
}

func TestFromUSDRejectsOverflow(t *testing.T) {
	top, err := FromUSD(decimal.RequireFromString("9223372036854.775807"))
	if err != nil || top != Amount(math.MaxInt64) {
		t.Fatalf("expected max amount, got %d err %v", top, err)
	}

	for _, value := range []string{"9223372036854.775808", "18446744073709.552616", "-9223372036854.775809"} {
		if _, err := FromUSD(decimal.RequireFromString(value)); !errors.Is(err, ErrAmountOutOfRange) {
			t.Fatalf("expected out of range for %s, got %v", value, err)
		}
	}
	if _, err := ParseUSD("18446744073709.552616"); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected parse to reject overflow, got %v", err)
	}
	if _, err := FromFloat(1e300); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected float overflow to be rejected, got %v", err)
	}
}

func TestMockLedgerTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMockLedger(5_000_000)

	balance, err := m.Balance(ctx, "wallet-a")
	if err != nil || balance != 5_000_000 {
		t.Fatalf("unexpected default balance %d err %v", balance, err)
	}

	receipt, err := m.Transfer(ctx, "wallet-a-long-name", "wallet-b", 1_000_000)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !receipt.Confirmed() {
		t.Fatalf("expected confirmed receipt")
	}
	if receipt.Signature != "transfer-wallet-a-wallet-b-1" {
		t.Fatalf("unexpected signature %s", receipt.Signature)
	}
	if len(m.Transfers()) != 1 {
		t.Fatalf("expected one recorded transfer")
	}
}

func TestMockLedgerInjectedFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMockLedger(0)
	boom := errors.New("rpc down")
	m.FailNext(1, boom)

	if _, err := m.Transfer(ctx, "a", "b", 10); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := m.Transfer(ctx, "a", "b", 10); err != nil {
		t.Fatalf("second transfer should succeed: %v", err)
	}
}

func TestMockLedgerStrictBalances(t *testing.T) {
	ctx := context.Background()
	m := NewMockLedger(0, WithStrictBalances())
	m.SetBalance("a", 1_000)

	if _, err := m.Transfer(ctx, "a", "b", 2_000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := m.Transfer(ctx, "a", "b", 600); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := m.Balance(ctx, "a")
	b, _ := m.Balance(ctx, "b")
	if a != 400 || b != 600 {
		t.Fatalf("unexpected balances a=%d b=%d", a, b)
	}
}

func TestDeriveEscrowAddress(t *testing.T) {
	first := DeriveEscrowAddress("provider-1", "image-generation")
	if first != DeriveEscrowAddress("provider-1", "image-generation") {
		t.Fatalf("derivation not stable")
	}
	if !strings.HasPrefix(first, "0x") || len(first) != 42 {
		t.Fatalf("unexpected address format %s", first)
	}
	if first == DeriveEscrowAddress("provider-2", "image-generation") {
		t.Fatalf("provider change must alter address")
	}
	if first == DeriveEscrowAddress("provider-1", "code-review") {
		t.Fatalf("skill change must alter address")
	}
	if DeriveEscrowAddress("ab", "c") == DeriveEscrowAddress("a", "bc") {
		t.Fatalf("boundary shift must alter address")
	}
}

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  devnet:
    type: mock
    default_balance: 2000000
  base:
    type: evm
    rpc_url: http://localhost:8545
    token_address: "0x0000000000000000000000000000000000000001"
    token_decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}
	if defs.Chains["devnet"].DefaultBalance != 2_000_000 {
		t.Fatalf("unexpected devnet balance")
	}
	if defs.Chains["base"].TokenDecimals != 6 {
		t.Fatalf("unexpected decimals")
	}

	empty, err := LoadChainDefinitions("")
	if err != nil || empty.Chains == nil {
		t.Fatalf("empty path should yield empty map")
	}
}

func TestExplorerURL(t *testing.T) {
	if got := ExplorerURL("https://explorer/tx/", "sig"); got != "https://explorer/tx/sig" {
		t.Fatalf("unexpected url %s", got)
	}
	if ExplorerURL("", "sig") != "" {
		t.Fatalf("expected empty url without base")
	}
}
