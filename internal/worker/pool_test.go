package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"capforge/internal/config"
	"capforge/internal/outcome"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubWorker is a shell rendition of the wire protocol, good enough to
// exercise spawn, call, and shutdown plumbing without the real binary.
const stubWorker = `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  case "$line" in
  *'"op":"shutdown"'*)
    printf '{"id":"%s","status":"ok","value":"bye"}\n' "$id"
    exit 0
    ;;
  *'"op":"execute"'*)
    printf '{"id":"%s","status":"ok","value":"ran","state":{"touched":true}}\n' "$id"
    ;;
  *)
    printf '{"id":"%s","status":"ok","value":"pong"}\n' "$id"
    ;;
  esac
done
`

func writeStubWorker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-worker")
	if err := os.WriteFile(path, []byte(stubWorker), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testWorkerConfig(binary string) config.WorkerConfig {
	return config.WorkerConfig{
		BinaryPath:    binary,
		PoolSize:      2,
		CallTimeout:   "5s",
		IdleTimeout:   "1m",
		SpawnTimeout:  "5s",
		RestartBudget: 1,
	}
}

func TestPoolExecute(t *testing.T) {
	sup := NewSupervisor(testWorkerConfig(writeStubWorker(t)))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	env := Identity("test-runtime", "policy", nil)
	pool := sup.PoolFor(env)

	result, state := pool.Execute(context.Background(), "package main", nil, nil, map[string]interface{}{"k": "v"})
	if result.IsError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if result.Value != "ran" {
		t.Errorf("expected ran, got %v", result.Value)
	}
	if state["touched"] != true {
		t.Errorf("expected worker state snapshot, got %v", state)
	}

	// Second call reuses the idle worker.
	result, _ = pool.Execute(context.Background(), "package main", nil, nil, nil)
	if result.IsError() {
		t.Fatalf("second call failed: %+v", result)
	}
}

func TestPoolExecuteNonSerializableInput(t *testing.T) {
	sup := NewSupervisor(testWorkerConfig(writeStubWorker(t)))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	pool := sup.PoolFor(Identity("test-runtime", "policy", nil))

	result, _ := pool.Execute(context.Background(), "package main", nil, map[string]interface{}{"ch": make(chan int)}, nil)
	if result.ErrorType != outcome.ErrNonSerializableResult {
		t.Fatalf("expected non_serializable_result, got %+v", result)
	}
	if result.Retriable {
		t.Error("an unencodable argument is the caller's defect, not a transient fault")
	}

	// The process was never touched; the same pool still serves good calls.
	result, _ = pool.Execute(context.Background(), "package main", nil, nil, nil)
	if result.IsError() {
		t.Fatalf("worker should have survived the bad argument: %+v", result)
	}
}

func TestPoolForReturnsSameInstance(t *testing.T) {
	sup := NewSupervisor(testWorkerConfig("unused"))
	env := Identity("r", "p", nil)
	if sup.PoolFor(env) != sup.PoolFor(env) {
		t.Error("same identity must share a pool")
	}
	other := Identity("r2", "p", nil)
	if sup.PoolFor(env) == sup.PoolFor(other) {
		t.Error("different identities must not share a pool")
	}
}

func TestPoolSpawnFailure(t *testing.T) {
	sup := NewSupervisor(testWorkerConfig("/nonexistent/worker/binary"))
	pool := sup.PoolFor(Identity("r", "p", nil))

	result, _ := pool.Execute(context.Background(), "package main", nil, nil, nil)
	if result.ErrorType != outcome.ErrWorkerCrashed {
		t.Errorf("expected worker_crashed, got %+v", result)
	}
	if !result.Retriable {
		t.Error("spawn failures are retriable until the budget runs out")
	}
}

func TestMigrateRoundTrip(t *testing.T) {
	sup := NewSupervisor(testWorkerConfig("unused"))
	from := Identity("r", "p1", nil)
	to := Identity("r", "p2", nil)

	state := map[string]interface{}{
		"cursor": "abc",
		"nested": map[string]interface{}{"n": float64(3)},
	}
	migrated, err := sup.Migrate(context.Background(), from, to, state)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated["cursor"] != "abc" {
		t.Errorf("migrated state lost data: %v", migrated)
	}

	// Non-serializable state is rejected with a typed error.
	bad := map[string]interface{}{"ch": make(chan int)}
	_, err = sup.Migrate(context.Background(), from, to, bad)
	var typed *outcome.Error
	if err == nil {
		t.Fatal("expected error for non-serializable state")
	}
	if !asOutcomeError(err, &typed) || typed.Type != outcome.ErrNonSerializableResult {
		t.Errorf("expected non_serializable_result, got %v", err)
	}
}

func asOutcomeError(err error, target **outcome.Error) bool {
	e, ok := err.(*outcome.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestShutdownIdempotent(t *testing.T) {
	sup := NewSupervisor(testWorkerConfig(writeStubWorker(t)))
	pool := sup.PoolFor(Identity("r", "p", nil))

	result, _ := pool.Execute(context.Background(), "package main", nil, nil, nil)
	if result.IsError() {
		t.Fatalf("Execute: %+v", result)
	}

	ctx := context.Background()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	// A pool held across shutdown rejects further calls.
	result, _ = pool.Execute(ctx, "package main", nil, nil, nil)
	if !result.IsError() {
		t.Error("expected error after shutdown")
	}
}
