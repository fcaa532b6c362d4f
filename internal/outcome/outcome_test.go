package outcome

import (
	"errors"
	"testing"
)

func TestOK(t *testing.T) {
	o := OK(42)
	if !o.IsOK() {
		t.Fatal("OK outcome reported as error")
	}
	if o.Value != 42 {
		t.Errorf("Value = %v, want 42", o.Value)
	}
	if o.ErrorType != "" || o.Retriable {
		t.Error("success outcome carries error fields")
	}
}

func TestErrf(t *testing.T) {
	o := Errf(ErrTimeout, "call exceeded %ds", 30)
	if !o.IsError() {
		t.Fatal("error outcome reported as ok")
	}
	if o.ErrorType != ErrTimeout {
		t.Errorf("ErrorType = %s, want timeout", o.ErrorType)
	}
	if o.ErrorMessage != "call exceeded 30s" {
		t.Errorf("ErrorMessage = %q", o.ErrorMessage)
	}
	if o.Retriable {
		t.Error("Errf outcome should not be retriable")
	}
}

func TestRetriablef(t *testing.T) {
	o := Retriablef(ErrExecution, "transient failure")
	if !o.Retriable {
		t.Error("Retriablef outcome should be retriable")
	}
}

func TestWithMetaDoesNotMutate(t *testing.T) {
	base := OK("v").WithMeta("a", 1)
	derived := base.WithMeta("b", 2)

	if _, ok := base.Metadata["b"]; ok {
		t.Error("WithMeta mutated the original metadata map")
	}
	if derived.Metadata["a"] != 1 || derived.Metadata["b"] != 2 {
		t.Errorf("derived metadata = %v", derived.Metadata)
	}
}

func TestErrRoundTrip(t *testing.T) {
	o := Retriablef(ErrNonSerializableResult, "channel in result")
	err := o.Err()
	if err == nil {
		t.Fatal("Err() returned nil for error outcome")
	}

	var oe *Error
	if !errors.As(err, &oe) {
		t.Fatalf("Err() did not produce *Error: %T", err)
	}

	back := FromError(err)
	if back.ErrorType != ErrNonSerializableResult || !back.Retriable {
		t.Errorf("round trip lost typing: %+v", back)
	}
}

func TestFromErrorPlain(t *testing.T) {
	back := FromError(errors.New("boom"))
	if back.ErrorType != ErrExecution {
		t.Errorf("plain error should map to execution, got %s", back.ErrorType)
	}
}

func TestNormalizeBoundary(t *testing.T) {
	o := Errf(ErrGuardrailRetryExhausted, "violation: forbidden import os/exec at line 12")
	n := NormalizeBoundary(o)

	if n.ErrorMessage == o.ErrorMessage {
		t.Error("boundary message was not replaced")
	}
	if n.Metadata["internal_message"] != o.ErrorMessage {
		t.Error("original message not preserved in metadata")
	}

	// Non-exhaustion errors pass through untouched.
	plain := Errf(ErrTimeout, "worker call timed out")
	if got := NormalizeBoundary(plain); got.ErrorMessage != plain.ErrorMessage {
		t.Error("non-exhaustion message was rewritten")
	}
}
