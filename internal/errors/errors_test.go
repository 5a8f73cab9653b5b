package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeNotFound, "")
	if err.Message() != "resource not found" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	if err.Kind() != KindNotFound {
		t.Fatalf("unexpected kind %s", err.Kind())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeConflict, "sentinel")
	wrapped := fmt.Errorf("outer: %w", New(CodeConflict, "different message"))
	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("errors.Is should match on code")
	}
	if stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("different codes must not match")
	}
	if !HasCode(wrapped, CodeConflict) {
		t.Fatalf("HasCode should see wrapped code")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Retryable: true})
	err := Wrap(code, stdErrors.New("boom"), "")
	if err.Kind() != KindInternal {
		t.Fatalf("empty kind should default to internal, got %s", err.Kind())
	}
	if !RetryableError(err) {
		t.Fatalf("registered retryable flag should apply")
	}
	if err.Error() != "[TEST_CUSTOM] custom: boom" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
	if stdErrors.Unwrap(err).Error() != "boom" {
		t.Fatalf("cause should unwrap")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeInvalidState, "bad", WithTransition("confirmed", "pending"), WithRetryable(true), WithSeverity(SeverityCritical))
	meta := err.Metadata()
	if meta["current_state"] != "confirmed" || meta["required_state"] != "pending" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if !err.Retryable() || err.Severity() != SeverityCritical {
		t.Fatalf("options should override attributes")
	}
	meta["current_state"] = "mutated"
	if err.Metadata()["current_state"] != "confirmed" {
		t.Fatalf("metadata must be copied")
	}
}

func TestHelpersOnPlainErrors(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown || KindOf(plain) != KindInternal {
		t.Fatalf("plain errors should map to unknown/internal")
	}
	if RetryableError(plain) {
		t.Fatalf("plain errors are not retryable")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("plain errors should be critical")
	}
	if _, ok := From(nil); ok {
		t.Fatalf("nil is not an Error")
	}
}
