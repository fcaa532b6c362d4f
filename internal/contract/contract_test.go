package contract

import (
	"testing"

	"capforge/internal/outcome"
)

func TestValidatePassThrough(t *testing.T) {
	ok := outcome.OK(map[string]interface{}{"items": []interface{}{1, 2}})

	// Nil contract never touches the outcome.
	if got := Validate(nil, ok, nil); got.IsError() {
		t.Error("nil contract must pass outcomes through")
	}

	// Error outcomes pass through even when the contract would fail them.
	fail := outcome.Errf(outcome.ErrTimeout, "deadline exceeded")
	c := &Contract{RequiredKeys: []string{"items"}}
	got := Validate(c, fail, nil)
	if got.ErrorType != outcome.ErrTimeout {
		t.Errorf("error outcome was reinterpreted: %+v", got)
	}
}

func TestValidateNeverRejectsConformingSuccess(t *testing.T) {
	c := &Contract{
		RequiredKeys: []string{"summary", "items"},
		MinItems:     map[string]int{"items": 1},
	}
	ok := outcome.OK(map[string]interface{}{
		"summary": "error: everything failed horribly", // content is not the validator's business
		"items":   []interface{}{"one"},
	})

	got := Validate(c, ok, nil)
	if got.IsError() {
		t.Fatalf("conforming success was rejected: %+v", got)
	}
	if got.Status != ok.Status {
		t.Error("status changed on valid outcome")
	}
}

func TestValidateMissingKey(t *testing.T) {
	c := &Contract{RequiredKeys: []string{"total_count"}}
	ok := outcome.OK(map[string]interface{}{"items": []interface{}{}})

	got := Validate(c, ok, nil)
	if got.ErrorType != outcome.ErrContractViolation {
		t.Fatalf("expected contract_violation, got %+v", got)
	}
	if got.Metadata["mismatch_kind"] != string(MismatchMissingKey) {
		t.Errorf("expected missing_key mismatch, got %v", got.Metadata["mismatch_kind"])
	}
}

func TestValidateEquivalentKeySpellings(t *testing.T) {
	c := &Contract{RequiredKeys: []string{"total_count"}}

	for _, spelling := range []string{"total_count", "totalCount", "total-count", "TotalCount"} {
		ok := outcome.OK(map[string]interface{}{spelling: 42})
		if got := Validate(c, ok, nil); got.IsError() {
			t.Errorf("spelling %q should satisfy required key: %+v", spelling, got)
		}
	}
}

func TestValidateMinItems(t *testing.T) {
	c := &Contract{MinItems: map[string]int{"results": 3}}

	ok := outcome.OK(map[string]interface{}{"results": []interface{}{"a", "b"}})
	got := Validate(c, ok, nil)
	if got.ErrorType != outcome.ErrContractViolation {
		t.Fatalf("expected contract_violation, got %+v", got)
	}

	ok = outcome.OK(map[string]interface{}{"results": []interface{}{"a", "b", "c"}})
	if got := Validate(c, ok, nil); got.IsError() {
		t.Errorf("three items should satisfy min 3: %+v", got)
	}
}

func TestValidateEmptySuccessGuard(t *testing.T) {
	c := &Contract{RequiredInput: "query"}

	// Empty result for a non-empty input is a violation.
	got := Validate(c, outcome.OK([]interface{}{}), map[string]interface{}{"query": "find things"})
	if got.ErrorType != outcome.ErrContractViolation {
		t.Fatalf("expected empty-success violation, got %+v", got)
	}

	// Empty result for an empty input is acceptable.
	got = Validate(c, outcome.OK([]interface{}{}), map[string]interface{}{"query": ""})
	if got.IsError() {
		t.Errorf("empty input permits empty success: %+v", got)
	}
}

func TestValidateNonObjectDeliverable(t *testing.T) {
	c := &Contract{RequiredKeys: []string{"items"}}
	got := Validate(c, outcome.OK("just a string"), nil)
	if got.ErrorType != outcome.ErrContractViolation {
		t.Fatalf("expected contract_violation for non-object, got %+v", got)
	}
	if got.Metadata["mismatch_kind"] != string(MismatchNotAnObject) {
		t.Errorf("expected not_an_object mismatch, got %v", got.Metadata["mismatch_kind"])
	}
}

func TestFingerprintStability(t *testing.T) {
	a := &Contract{
		RequiredKeys: []string{"b", "a"},
		MinItems:     map[string]int{"items": 2},
	}
	b := &Contract{
		RequiredKeys: []string{"a", "b"},
		MinItems:     map[string]int{"items": 2},
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("key order must not affect the fingerprint")
	}

	c := &Contract{RequiredKeys: []string{"a"}}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different requirements must produce different fingerprints")
	}

	var nilContract *Contract
	if nilContract.Fingerprint() != "" {
		t.Error("nil contract fingerprint should be empty")
	}
}
