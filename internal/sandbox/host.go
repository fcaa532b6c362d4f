package sandbox

import (
	"fmt"
	"reflect"

	"github.com/traefik/yaegi/interp"

	"capforge/internal/attempt"
	"capforge/internal/guardrail"
	"capforge/internal/outcome"
)

// InvokeFunc routes a host operation call made from inside a program.
type InvokeFunc func(op string, args map[string]interface{}) (interface{}, error)

// Host is the fixed API surface bound into every interpreter. Programs see
// it as the importable package named by guardrail.HostImportPath.
type Host struct {
	State  *attempt.State
	Invoke InvokeFunc
}

// NewHost creates a host over call-scoped state with an operation router.
// A nil invoke function rejects all host operation calls.
func NewHost(state *attempt.State, invoke InvokeFunc) *Host {
	if invoke == nil {
		invoke = func(op string, _ map[string]interface{}) (interface{}, error) {
			return nil, &outcome.Error{
				Type:    outcome.ErrCapabilityUnavailable,
				Message: fmt.Sprintf("host operation %q not available", op),
			}
		}
	}
	return &Host{State: state, Invoke: invoke}
}

// hostSymbols exports the host API under the hostapi import path. Each
// binding closes over this attempt's host, so state access and operation
// calls stay scoped to the attempt.
func hostSymbols(h *Host) interp.Exports {
	get := func(key string) interface{} {
		v, _ := h.State.Get(key)
		return v
	}
	has := func(key string) bool {
		_, ok := h.State.Get(key)
		return ok
	}
	set := func(key string, value interface{}) {
		h.State.Set(key, value)
	}
	invoke := func(op string, args map[string]interface{}) (interface{}, error) {
		return h.Invoke(op, args)
	}
	errf := func(errType string, format string, args ...interface{}) error {
		return &outcome.Error{
			Type:    outcome.ErrorType(errType),
			Message: fmt.Sprintf(format, args...),
		}
	}
	retriablef := func(errType string, format string, args ...interface{}) error {
		return &outcome.Error{
			Type:      outcome.ErrorType(errType),
			Message:   fmt.Sprintf(format, args...),
			Retriable: true,
		}
	}

	pkg := guardrail.HostImportPath + "/hostapi"
	return interp.Exports{
		pkg: {
			"Get":        reflect.ValueOf(get),
			"Has":        reflect.ValueOf(has),
			"Set":        reflect.ValueOf(set),
			"Invoke":     reflect.ValueOf(invoke),
			"Errf":       reflect.ValueOf(errf),
			"Retriablef": reflect.ValueOf(retriablef),
		},
	}
}
