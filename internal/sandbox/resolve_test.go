package sandbox

import (
	"errors"
	"testing"

	"capforge/internal/outcome"
)

func TestResolveImports(t *testing.T) {
	if err := ResolveImports(nil); err != nil {
		t.Fatalf("empty requirement list must resolve: %v", err)
	}
	if err := ResolveImports([]string{"net/http", "encoding/csv", "capforge/hostapi"}); err != nil {
		t.Fatalf("runtime-shipped packages must resolve: %v", err)
	}

	err := ResolveImports([]string{"strings", "github.com/acme/left-pad"})
	if err == nil {
		t.Fatal("expected resolution failure for a package outside the runtime")
	}
	var typed *outcome.Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected typed error, got %v", err)
	}
	if typed.Type != outcome.ErrDependencyResolutionFailed {
		t.Errorf("expected dependency_resolution_failed, got %s", typed.Type)
	}
	if !typed.Retriable {
		t.Error("a missing runtime package is an environment fault, not a code defect")
	}
}
