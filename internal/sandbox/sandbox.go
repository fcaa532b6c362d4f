package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"capforge/internal/guardrail"
	"capforge/internal/logging"
	"capforge/internal/outcome"
)

// =============================================================================
// IN-PROCESS SANDBOX
// =============================================================================
// Programs with empty dependency manifests run here: a fresh yaegi
// interpreter per attempt, host API bound as an importable package, stdlib
// surface limited to the guardrail allowlist. The interpreter is discarded
// after the attempt; nothing it evaluated survives into the next one.
//
// Interpretation over compilation keeps the failure modes tame. There is no
// build step to hang, no binary to version-skew, and a bad program costs
// one goroutine, not a subprocess.

// Executor runs generated programs in an interpreter.
type Executor struct {
	checker *guardrail.Checker
	timeout time.Duration
}

// New creates an executor. The checker's import allowlist doubles as the
// interpreter's permitted surface.
func New(checker *guardrail.Checker, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{checker: checker, timeout: timeout}
}

// Execute runs a program's Run entrypoint against input with the host API
// bound. The attempt owns the interpreter; it is never reused.
func (e *Executor) Execute(ctx context.Context, source string, input map[string]interface{}, host *Host) outcome.Outcome {
	log := logging.Get(logging.CategorySandbox)

	// The orchestrator validates before dispatch, but the interpreter never
	// trusts that it did.
	if report := e.checker.Check(source); !report.Valid {
		v := report.Violations[0]
		return outcome.Errf(outcome.ErrInvalidCode, "program rejected: %s", v.Message)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return outcome.Errf(outcome.ErrExecution, "failed to load interpreter stdlib: %v", err)
	}
	if err := i.Use(hostSymbols(host)); err != nil {
		return outcome.Errf(outcome.ErrExecution, "failed to bind host API: %v", err)
	}

	if _, err := i.Eval(source); err != nil {
		return outcome.Errf(outcome.ErrInvalidCode, "program evaluation failed: %v", err)
	}

	entry, err := i.Eval("main." + guardrail.EntrypointName)
	if err != nil {
		return outcome.Errf(outcome.ErrInvalidCode, "%s entrypoint not found: %v", guardrail.EntrypointName, err)
	}
	run, ok := entry.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return outcome.Errf(outcome.ErrInvalidCode,
			"%s has the wrong signature (want func(map[string]interface{}) (interface{}, error))", guardrail.EntrypointName)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("program panicked: %v", r)}
			}
		}()
		value, err := run(input)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return errorOutcome(res.err)
		}
		return outcome.OK(res.value)
	case <-ctx.Done():
		// The goroutine is abandoned; the interpreter dies with the attempt.
		log.Warnw("program timed out", "timeout", e.timeout)
		return outcome.Retriablef(outcome.ErrTimeout, "execution exceeded %s", e.timeout)
	}
}

// errorOutcome maps a returned error to a typed outcome, preserving host
// API error types raised inside the program.
func errorOutcome(err error) outcome.Outcome {
	var typed *outcome.Error
	if errors.As(err, &typed) {
		o := outcome.Errf(typed.Type, "%s", typed.Message)
		o.Retriable = typed.Retriable
		return o
	}
	return outcome.Errf(outcome.ErrExecution, "%s", err.Error())
}
