package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"capforge/internal/outcome"
)

// =============================================================================
// OUTCOME CONTRACT VALIDATION - DID THE SHAPE HOLD?
// =============================================================================
// A delegation contract is supplied by the caller, never authored here. The
// validator checks structure only: required keys, minimum item counts, and
// the empty-success guard. Message content never turns a structurally valid
// success into a failure.

// Contract describes the deliverable a caller expects from an operation.
type Contract struct {
	Purpose       string         `json:"purpose,omitempty"`
	RequiredKeys  []string       `json:"required_keys,omitempty"`
	MinItems      map[string]int `json:"min_items,omitempty"`
	RequiredInput string         `json:"required_input,omitempty"`
	FailurePolicy string         `json:"failure_policy,omitempty"`
}

// MismatchKind names the structural problem a violation reports.
type MismatchKind string

const (
	MismatchMissingKey   MismatchKind = "missing_key"
	MismatchTooFewItems  MismatchKind = "too_few_items"
	MismatchEmptySuccess MismatchKind = "empty_success"
	MismatchNotAnObject  MismatchKind = "not_an_object"
)

// Violation describes one structural mismatch.
type Violation struct {
	Kind        MismatchKind `json:"mismatch_kind"`
	ExpectedKey string       `json:"expected_key,omitempty"`
	ActualKeys  []string     `json:"actual_keys,omitempty"`
	ExpectedMin int          `json:"expected_min,omitempty"`
	ActualCount int          `json:"actual_count,omitempty"`
	Detail      string       `json:"detail"`
}

// Fingerprint returns a stable hash of the contract's structural
// requirements. Artifacts record it so the selector can detect staleness.
func (c *Contract) Fingerprint() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	keys := append([]string(nil), c.RequiredKeys...)
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "key:%s\n", canonicalKey(k))
	}
	minKeys := make([]string, 0, len(c.MinItems))
	for k := range c.MinItems {
		minKeys = append(minKeys, k)
	}
	sort.Strings(minKeys)
	for _, k := range minKeys {
		fmt.Fprintf(&b, "min:%s=%d\n", canonicalKey(k), c.MinItems[k])
	}
	fmt.Fprintf(&b, "input:%s\n", canonicalKey(c.RequiredInput))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Validate checks a successful outcome against the contract. The input map
// is the original call input, consulted only for the empty-success guard.
// Error outcomes and nil contracts pass through untouched.
func Validate(c *Contract, o outcome.Outcome, input map[string]interface{}) outcome.Outcome {
	if c == nil || o.IsError() {
		return o
	}

	violations := check(c, o.Value, input)
	if len(violations) == 0 {
		return o
	}

	v := violations[0]
	fail := outcome.Errf(outcome.ErrContractViolation, "deliverable shape mismatch: %s", v.Detail)
	return fail.WithMeta("mismatch_kind", string(v.Kind)).
		WithMeta("violations", violations)
}

func check(c *Contract, value interface{}, input map[string]interface{}) []Violation {
	var violations []Violation

	obj, isObj := asObject(value)

	if len(c.RequiredKeys) > 0 || len(c.MinItems) > 0 {
		if !isObj {
			return []Violation{{
				Kind:   MismatchNotAnObject,
				Detail: fmt.Sprintf("contract requires keyed deliverable, got %T", value),
			}}
		}
	}

	for _, key := range c.RequiredKeys {
		if _, ok := lookupKey(obj, key); !ok {
			violations = append(violations, Violation{
				Kind:        MismatchMissingKey,
				ExpectedKey: key,
				ActualKeys:  keysOf(obj),
				Detail:      fmt.Sprintf("required key %q absent", key),
			})
		}
	}

	for key, min := range c.MinItems {
		v, ok := lookupKey(obj, key)
		if !ok {
			continue // missing-key handling above owns absence
		}
		count, countable := itemCount(v)
		if countable && count < min {
			violations = append(violations, Violation{
				Kind:        MismatchTooFewItems,
				ExpectedKey: key,
				ExpectedMin: min,
				ActualCount: count,
				Detail:      fmt.Sprintf("field %q has %d items, contract requires at least %d", key, count, min),
			})
		}
	}

	// A structurally empty success is only acceptable when the declared
	// required input was itself empty.
	if c.RequiredInput != "" && isStructurallyEmpty(value) {
		if in, ok := lookupKey(input, c.RequiredInput); ok && !isStructurallyEmpty(in) {
			violations = append(violations, Violation{
				Kind:        MismatchEmptySuccess,
				ExpectedKey: c.RequiredInput,
				Detail:      fmt.Sprintf("empty deliverable despite non-empty input %q", c.RequiredInput),
			})
		}
	}

	return violations
}

// canonicalKey collapses equivalent key spellings (case, separators) so
// snake_case, kebab-case, and camelCase representations match.
func canonicalKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r == '-' || r == '_' || r == ' ':
			// separator dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lookupKey finds a key in obj treating equivalent representations as equal.
func lookupKey(obj map[string]interface{}, key string) (interface{}, bool) {
	if obj == nil {
		return nil, false
	}
	if v, ok := obj[key]; ok {
		return v, true
	}
	want := canonicalKey(key)
	for k, v := range obj {
		if canonicalKey(k) == want {
			return v, true
		}
	}
	return nil, false
}

func asObject(value interface{}) (map[string]interface{}, bool) {
	obj, ok := value.(map[string]interface{})
	return obj, ok
}

func keysOf(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// itemCount returns the element count for countable values.
func itemCount(v interface{}) (int, bool) {
	switch t := v.(type) {
	case []interface{}:
		return len(t), true
	case map[string]interface{}:
		return len(t), true
	case string:
		return len(t), true
	default:
		return 0, false
	}
}

func isStructurallyEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}
