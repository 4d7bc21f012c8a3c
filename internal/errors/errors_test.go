package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewCarriesCodeAndMessage(t *testing.T) {
	err := New(CodeNotFound, "plugin env-sensor missing")
	if err.Code() != CodeNotFound {
		t.Errorf("code = %s", err.Code())
	}
	if err.Error() != "[NOT_FOUND] plugin env-sensor missing" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNewFallsBackToRegisteredMessage(t *testing.T) {
	err := New(CodeQueueFull, "")
	if err.Message() != "relay queue full" {
		t.Errorf("message = %q", err.Message())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeTransportFailure, cause, "publish message")

	if !stdErrors.Is(err, cause) {
		t.Error("cause lost from chain")
	}
	if CodeOf(err) != CodeTransportFailure {
		t.Errorf("code = %s", CodeOf(err))
	}
	wrapped := fmt.Errorf("drain loop: %w", err)
	if CodeOf(wrapped) != CodeTransportFailure {
		t.Errorf("code through fmt wrap = %s", CodeOf(wrapped))
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeQueueFull, "queue for env-sensor is full")
	b := New(CodeQueueFull, "")
	if !stdErrors.Is(a, b) {
		t.Error("same-code errors should match")
	}
	if stdErrors.Is(a, New(CodeNotFound, "")) {
		t.Error("different codes must not match")
	}
}

func TestDefaultsFromRegistry(t *testing.T) {
	err := New(CodeTransportFailure, "broker gone")
	if !err.Retryable() {
		t.Error("transport failures default retryable")
	}
	if !err.ShouldAlert() {
		t.Error("transport failures default alerting")
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("severity = %s", err.Severity())
	}
}

func TestOptionOverrides(t *testing.T) {
	err := New(CodeNotFound, "",
		WithRetryable(true),
		WithAlert(true),
		WithSeverity(SeverityCritical),
		WithMetadata("plugin", "env-sensor"))

	if !err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Errorf("overrides not applied: retryable=%v alert=%v severity=%s",
			err.Retryable(), err.ShouldAlert(), err.Severity())
	}
	if err.Metadata()["plugin"] != "env-sensor" {
		t.Errorf("metadata = %v", err.Metadata())
	}
}

func TestHelpersOnForeignErrors(t *testing.T) {
	plain := stdErrors.New("plain failure")
	if CodeOf(plain) != CodeUnknown {
		t.Errorf("CodeOf(plain) = %s", CodeOf(plain))
	}
	if RetryableError(plain) {
		t.Error("plain errors are not retryable")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Errorf("SeverityOf(plain) = %s", SeverityOf(plain))
	}
	if _, ok := From(plain); ok {
		t.Error("From matched a foreign error")
	}
}
