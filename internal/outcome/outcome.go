// Package outcome defines the typed result envelope used at every call
// boundary in capforge. Every operation, sub-call, and worker response is
// expressed as an Outcome: either a success value or a typed, optionally
// retriable error. Consumers never see raw panics or untyped strings.
package outcome

import (
	"fmt"
)

// Status is the top-level disposition of an Outcome.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorType categorizes failures across the whole runtime.
type ErrorType string

const (
	ErrInvalidDependencyManifest      ErrorType = "invalid_dependency_manifest"
	ErrDependencyManifestIncompatible ErrorType = "dependency_manifest_incompatible"
	ErrDependencyPolicyViolation      ErrorType = "dependency_policy_violation"
	ErrDependencyResolutionFailed     ErrorType = "dependency_resolution_failed"
	ErrNonSerializableResult          ErrorType = "non_serializable_result"
	ErrTimeout                        ErrorType = "timeout"
	ErrExecution                      ErrorType = "execution"
	ErrInvalidCode                    ErrorType = "invalid_code"
	ErrGuardrailRetryExhausted        ErrorType = "guardrail_retry_exhausted"
	ErrOutcomeRepairRetryExhausted    ErrorType = "outcome_repair_retry_exhausted"
	ErrContractViolation              ErrorType = "contract_violation"
	ErrCapabilityUnavailable          ErrorType = "capability_unavailable"
	ErrProvider                       ErrorType = "provider"
	ErrWorkerCrashed                  ErrorType = "worker_crashed"
)

// Outcome is the universal result envelope.
//
// Invariant: Status==ok implies ErrorType=="" and Retriable==false;
// Status==error implies Value==nil.
type Outcome struct {
	Status       Status         `json:"status"`
	Value        any            `json:"value,omitempty"`
	ErrorType    ErrorType      `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Retriable    bool           `json:"retriable,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// OK builds a success Outcome carrying value.
func OK(value any) Outcome {
	return Outcome{Status: StatusOK, Value: value}
}

// Errf builds a non-retriable error Outcome with a formatted message.
func Errf(t ErrorType, format string, args ...any) Outcome {
	return Outcome{
		Status:       StatusError,
		ErrorType:    t,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// Retriablef builds a retriable error Outcome with a formatted message.
func Retriablef(t ErrorType, format string, args ...any) Outcome {
	o := Errf(t, format, args...)
	o.Retriable = true
	return o
}

// IsOK reports whether the outcome is a success.
func (o Outcome) IsOK() bool { return o.Status == StatusOK }

// IsError reports whether the outcome is a failure.
func (o Outcome) IsError() bool { return o.Status == StatusError }

// WithMeta returns a copy of o with key set in its metadata. The original
// metadata map is not mutated, so outcomes can be shared safely.
func (o Outcome) WithMeta(key string, value any) Outcome {
	meta := make(map[string]any, len(o.Metadata)+1)
	for k, v := range o.Metadata {
		meta[k] = v
	}
	meta[key] = value
	o.Metadata = meta
	return o
}

// Err converts an error Outcome into a Go error for call sites that want
// idiomatic error flow. Returns nil for success outcomes.
func (o Outcome) Err() error {
	if o.IsOK() {
		return nil
	}
	return &Error{Type: o.ErrorType, Message: o.ErrorMessage, Retriable: o.Retriable}
}

// Error is the Go-error form of a failed Outcome.
type Error struct {
	Type      ErrorType
	Message   string
	Retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// FromError wraps a Go error back into an error Outcome, preserving the
// typed form when err is an *Error.
func FromError(err error) Outcome {
	if err == nil {
		return OK(nil)
	}
	if oe, ok := err.(*Error); ok {
		return Outcome{
			Status:       StatusError,
			ErrorType:    oe.Type,
			ErrorMessage: oe.Message,
			Retriable:    oe.Retriable,
		}
	}
	return Errf(ErrExecution, "%v", err)
}

// Generic messages surfaced at the top-level boundary. Full diagnostics stay
// in metadata; callers see a stable string.
const (
	genericExhaustedMessage = "the operation could not be completed after multiple attempts"
)

// NormalizeBoundary prepares an Outcome for the top-level caller: retry
// exhaustion messages are replaced with a stable generic message while the
// original message and any attempt history move into metadata.
func NormalizeBoundary(o Outcome) Outcome {
	if o.IsOK() {
		return o
	}
	switch o.ErrorType {
	case ErrGuardrailRetryExhausted, ErrOutcomeRepairRetryExhausted:
		o = o.WithMeta("internal_message", o.ErrorMessage)
		o.ErrorMessage = genericExhaustedMessage
	}
	return o
}
