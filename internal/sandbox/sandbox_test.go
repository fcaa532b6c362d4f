package sandbox

import (
	"context"
	"testing"
	"time"

	"capforge/internal/attempt"
	"capforge/internal/config"
	"capforge/internal/guardrail"
	"capforge/internal/outcome"
)

func newTestExecutor(timeout time.Duration) *Executor {
	return New(guardrail.NewChecker(config.GuardrailConfig{}), timeout)
}

func TestExecuteSimpleProgram(t *testing.T) {
	source := `package main

import "strings"

func Run(input map[string]interface{}) (interface{}, error) {
	name, _ := input["name"].(string)
	return strings.ToUpper(name), nil
}
`
	host := NewHost(attempt.NewState(), nil)
	got := newTestExecutor(5*time.Second).Execute(context.Background(), source, map[string]interface{}{"name": "ada"}, host)

	if got.IsError() {
		t.Fatalf("unexpected error: %+v", got)
	}
	if got.Value != "ADA" {
		t.Errorf("expected ADA, got %v", got.Value)
	}
}

func TestExecuteStateAccess(t *testing.T) {
	source := `package main

import "capforge/hostapi"

func Run(input map[string]interface{}) (interface{}, error) {
	prev := hostapi.Get("counter")
	n := 0
	if prev != nil {
		n = prev.(int)
	}
	hostapi.Set("counter", n+1)
	return n + 1, nil
}
`
	state := attempt.NewState()
	state.Set("counter", 41)
	host := NewHost(state, nil)

	got := newTestExecutor(5*time.Second).Execute(context.Background(), source, nil, host)
	if got.IsError() {
		t.Fatalf("unexpected error: %+v", got)
	}
	if got.Value != 42 {
		t.Errorf("expected 42, got %v", got.Value)
	}
	if v, _ := state.Get("counter"); v != 42 {
		t.Errorf("state not updated, got %v", v)
	}
}

func TestExecuteHostInvoke(t *testing.T) {
	source := `package main

import "capforge/hostapi"

func Run(input map[string]interface{}) (interface{}, error) {
	return hostapi.Invoke("echo", map[string]interface{}{"msg": "hello"})
}
`
	invoked := false
	host := NewHost(attempt.NewState(), func(op string, args map[string]interface{}) (interface{}, error) {
		invoked = true
		if op != "echo" {
			t.Errorf("unexpected op %q", op)
		}
		return args["msg"], nil
	})

	got := newTestExecutor(5*time.Second).Execute(context.Background(), source, nil, host)
	if got.IsError() {
		t.Fatalf("unexpected error: %+v", got)
	}
	if !invoked {
		t.Error("host operation was not invoked")
	}
	if got.Value != "hello" {
		t.Errorf("expected hello, got %v", got.Value)
	}
}

func TestExecuteTypedError(t *testing.T) {
	source := `package main

import "capforge/hostapi"

func Run(input map[string]interface{}) (interface{}, error) {
	return nil, hostapi.Retriablef("timeout", "upstream took too long")
}
`
	host := NewHost(attempt.NewState(), nil)
	got := newTestExecutor(5*time.Second).Execute(context.Background(), source, nil, host)

	if got.ErrorType != outcome.ErrTimeout {
		t.Errorf("expected timeout error type, got %+v", got)
	}
	if !got.Retriable {
		t.Error("expected retriable error")
	}
}

func TestExecuteTimeout(t *testing.T) {
	source := `package main

func Run(input map[string]interface{}) (interface{}, error) {
	for {
	}
}
`
	host := NewHost(attempt.NewState(), nil)
	got := newTestExecutor(100*time.Millisecond).Execute(context.Background(), source, nil, host)

	if got.ErrorType != outcome.ErrTimeout {
		t.Errorf("expected timeout, got %+v", got)
	}
	if !got.Retriable {
		t.Error("timeouts are retriable")
	}
}

func TestExecuteInvalidCode(t *testing.T) {
	host := NewHost(attempt.NewState(), nil)
	exec := newTestExecutor(5 * time.Second)

	got := exec.Execute(context.Background(), "package main\nfunc Run( {", nil, host)
	if got.ErrorType != outcome.ErrInvalidCode {
		t.Errorf("expected invalid_code for syntax error, got %+v", got)
	}

	got = exec.Execute(context.Background(), "package main\nfunc helper() {}", nil, host)
	if got.ErrorType != outcome.ErrInvalidCode {
		t.Errorf("expected invalid_code for missing entrypoint, got %+v", got)
	}
}

func TestExecutePanicBecomesExecutionError(t *testing.T) {
	source := `package main

func Run(input map[string]interface{}) (interface{}, error) {
	var m map[string]int
	m["boom"] = 1
	return nil, nil
}
`
	host := NewHost(attempt.NewState(), nil)
	got := newTestExecutor(5*time.Second).Execute(context.Background(), source, nil, host)

	if got.ErrorType != outcome.ErrExecution {
		t.Errorf("expected execution error, got %+v", got)
	}
}
