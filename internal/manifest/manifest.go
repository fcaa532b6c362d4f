// Package manifest normalizes and validates the third-party requirements
// attached to generated programs, and enforces the monotonic-growth rule:
// for a given capability identity a later manifest may add requirements but
// must never remove or narrow one that was previously frozen.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"capforge/internal/outcome"
)

// Requirement is a single named dependency with an optional version
// constraint ("" means any version).
type Requirement struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
}

// Manifest is an ordered, deduplicated requirement set. The zero value is a
// valid empty manifest.
type Manifest struct {
	Requirements []Requirement `json:"requirements,omitempty"`
}

var (
	namePattern       = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-/]*$`)
	constraintPattern = regexp.MustCompile(`^(==|>=|<=|>|<|~=|\^)?\s*v?\d+(\.\d+)*([a-zA-Z0-9.\-+]*)$`)
)

// Normalize validates raw name/constraint pairs and returns a canonical
// manifest: trimmed, lowercased names, sorted, duplicates collapsed.
// Conflicting duplicate constraints for the same name are an error.
func Normalize(reqs []Requirement) (Manifest, error) {
	seen := make(map[string]string, len(reqs))
	order := make([]string, 0, len(reqs))

	for _, r := range reqs {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		constraint := strings.TrimSpace(r.Constraint)

		if name == "" {
			return Manifest{}, typedErr("requirement with empty name")
		}
		if !namePattern.MatchString(name) {
			return Manifest{}, typedErr("malformed requirement name %q", name)
		}
		if constraint != "" && !constraintPattern.MatchString(constraint) {
			return Manifest{}, typedErr("malformed version constraint %q for %q", constraint, name)
		}

		if prev, ok := seen[name]; ok {
			if prev != constraint {
				return Manifest{}, typedErr("conflicting constraints for %q: %q vs %q", name, prev, constraint)
			}
			continue
		}
		seen[name] = constraint
		order = append(order, name)
	}

	sort.Strings(order)
	out := make([]Requirement, 0, len(order))
	for _, name := range order {
		out = append(out, Requirement{Name: name, Constraint: seen[name]})
	}
	return Manifest{Requirements: out}, nil
}

// Empty reports whether the manifest declares no requirements. Dependency-free
// programs run in the in-process sandbox; anything else goes to a worker.
func (m Manifest) Empty() bool { return len(m.Requirements) == 0 }

// Get returns the constraint recorded for name, and whether it is present.
func (m Manifest) Get(name string) (string, bool) {
	for _, r := range m.Requirements {
		if r.Name == name {
			return r.Constraint, true
		}
	}
	return "", false
}

// Names returns the requirement import paths in manifest order.
func (m Manifest) Names() []string {
	if m.Empty() {
		return nil
	}
	out := make([]string, len(m.Requirements))
	for i, r := range m.Requirements {
		out[i] = r.Name
	}
	return out
}

// Fingerprint returns a stable hash of the normalized manifest, used as one
// input to the worker environment identity.
func (m Manifest) Fingerprint() string {
	h := sha256.New()
	for _, r := range m.Requirements {
		fmt.Fprintf(h, "%s@%s\n", r.Name, r.Constraint)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String renders the manifest in requirement-list form for prompts and logs.
func (m Manifest) String() string {
	if m.Empty() {
		return "(none)"
	}
	parts := make([]string, len(m.Requirements))
	for i, r := range m.Requirements {
		if r.Constraint == "" {
			parts[i] = r.Name
		} else {
			parts[i] = r.Name + " " + r.Constraint
		}
	}
	return strings.Join(parts, ", ")
}

// CheckPolicy rejects manifests that require a denied dependency. Policy
// violations are never retried, so the error is a distinct type from plain
// manifest malformation.
func CheckPolicy(m Manifest, denied []string) error {
	for _, name := range denied {
		bad := strings.ToLower(strings.TrimSpace(name))
		if bad == "" {
			continue
		}
		if _, ok := m.Get(bad); ok {
			return &outcome.Error{
				Type:    outcome.ErrDependencyPolicyViolation,
				Message: fmt.Sprintf("requirement %q is not permitted", bad),
			}
		}
	}
	return nil
}

// CheckMonotonic compares a newly generated manifest against the previously
// frozen one for the same identity. Additions are allowed; a removed entry or
// a changed constraint on an existing entry is a typed incompatibility, never
// a silent merge.
func CheckMonotonic(frozen, next Manifest) error {
	for _, prev := range frozen.Requirements {
		constraint, ok := next.Get(prev.Name)
		if !ok {
			return &outcome.Error{
				Type:    outcome.ErrDependencyManifestIncompatible,
				Message: fmt.Sprintf("requirement %q was removed from the manifest", prev.Name),
			}
		}
		if constraint != prev.Constraint {
			return &outcome.Error{
				Type: outcome.ErrDependencyManifestIncompatible,
				Message: fmt.Sprintf("constraint for %q changed from %q to %q",
					prev.Name, prev.Constraint, constraint),
			}
		}
	}
	return nil
}

// Merge returns frozen extended with any additions from next. CheckMonotonic
// must have passed first; Merge does not re-validate.
func Merge(frozen, next Manifest) Manifest {
	merged := append([]Requirement(nil), frozen.Requirements...)
	for _, r := range next.Requirements {
		if _, ok := frozen.Get(r.Name); !ok {
			merged = append(merged, r)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return Manifest{Requirements: merged}
}

func typedErr(format string, args ...any) error {
	return &outcome.Error{
		Type:    outcome.ErrInvalidDependencyManifest,
		Message: fmt.Sprintf(format, args...),
	}
}
