package artifact

import (
	"testing"

	"capforge/internal/config"
)

func TestLineageBound(t *testing.T) {
	rec := &Record{ID: CapabilityID{Role: "analyst", Operation: "summarize"}}

	for _, id := range []string{"v1", "v2", "v3", "v4"} {
		rec.AddVersion(Version{ID: id, Source: "package main // " + id})
	}

	if len(rec.Versions) != 3 {
		t.Fatalf("expected lineage bound of 3, got %d", len(rec.Versions))
	}
	if rec.Versions[0].ID != "v2" || rec.Latest().ID != "v4" {
		t.Errorf("wrong versions retained: %s", rec.Lineage())
	}
	if rec.Latest().ParentID != "v3" {
		t.Errorf("expected parent link v3, got %q", rec.Latest().ParentID)
	}
}

func TestAddVersionDefaults(t *testing.T) {
	rec := &Record{ID: CapabilityID{Role: "r", Operation: "o"}}
	v := rec.AddVersion(Version{ID: "v1", Source: "package main"})

	if v.Stage != StageCandidate {
		t.Errorf("new versions start as candidates, got %s", v.Stage)
	}
	if v.Checksum != ChecksumOf("package main") {
		t.Error("checksum not computed")
	}
	if v.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestScorecard(t *testing.T) {
	var s Scorecard
	if s.PassRate() != 0 {
		t.Error("no evidence must not read as a perfect pass rate")
	}
	if s.CoherenceRatio() != 1 {
		t.Error("no shared-state usage means full coherence")
	}

	s.ContractPass = 9
	s.ContractFail = 1
	if got := s.PassRate(); got != 0.9 {
		t.Errorf("pass rate = %v, want 0.9", got)
	}

	s.RecordSession("sess-a")
	s.RecordSession("sess-a")
	s.RecordSession("sess-b")
	if len(s.Sessions) != 2 {
		t.Errorf("expected 2 distinct sessions, got %d", len(s.Sessions))
	}
}

func TestFileNameSanitization(t *testing.T) {
	id := CapabilityID{Role: "data/analyst", Operation: "fetch rows!"}
	name := id.FileName()
	if name != "data_analyst__fetch_rows_.json" {
		t.Errorf("unexpected filename %q", name)
	}

	parsed, ok := parseFileName("analyst__summarize.json")
	if !ok || parsed.Role != "analyst" || parsed.Operation != "summarize" {
		t.Errorf("parse failed: %+v %v", parsed, ok)
	}
	if _, ok := parseFileName("garbage.json"); ok {
		t.Error("expected parse failure for malformed name")
	}
}

func TestHeuristics(t *testing.T) {
	h := NewHeuristics(config.HeuristicConfig{
		SensitiveInputKeys: []string{"nonce"},
	})

	tests := []struct {
		name       string
		source     string
		input      map[string]interface{}
		cacheable  bool
		wantReason string
	}{
		{
			name: "plain deterministic program",
			source: `package main
func Run(input map[string]interface{}) (interface{}, error) {
	return input["x"], nil
}`,
			input:     map[string]interface{}{"x": "y"},
			cacheable: true,
		},
		{
			name: "nondeterministic",
			source: `package main
import "time"
func Run(input map[string]interface{}) (interface{}, error) {
	_ = input
	return time.Now().String() + input["x"].(string), nil
}`,
			cacheable:  false,
			wantReason: "nondeterministic:time.Now",
		},
		{
			name: "dynamic dispatch",
			source: `package main
import "capforge/hostapi"
func Run(input map[string]interface{}) (interface{}, error) {
	op := input["op"].(string)
	return hostapi.Invoke(op, input)
}`,
			cacheable:  false,
			wantReason: "dynamic_dispatch",
		},
		{
			name: "input ignoring",
			source: `package main
func Run(input map[string]interface{}) (interface{}, error) {
	return "constant answer", nil
}`,
			cacheable:  false,
			wantReason: "input_ignoring",
		},
		{
			name: "input baked",
			source: `package main
func Run(input map[string]interface{}) (interface{}, error) {
	_ = input
	return "result for london weather", nil
}`,
			input:      map[string]interface{}{"query": "london weather"},
			cacheable:  false,
			wantReason: "input_baked:query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Evaluate(tt.source, tt.input)
			if got.Cacheable != tt.cacheable {
				t.Errorf("cacheable = %v, want %v (reason %q)", got.Cacheable, tt.cacheable, got.Reason)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}

	// Sensitive input keys mark the version input-sensitive without
	// blocking cacheability.
	got := h.Evaluate(`package main
func Run(input map[string]interface{}) (interface{}, error) {
	return input["nonce"], nil
}`, map[string]interface{}{"nonce": "abc123"})
	if !got.Cacheable || !got.InputSensitive {
		t.Errorf("expected cacheable+input-sensitive, got %+v", got)
	}
}

func TestSelectorPreference(t *testing.T) {
	sel := NewSelector(NewHeuristics(config.HeuristicConfig{}))
	rec := &Record{ID: CapabilityID{Role: "r", Operation: "o"}}

	rec.AddVersion(Version{ID: "old-durable", Source: "a", Stage: StageDurable, Cacheable: true})
	rec.AddVersion(Version{ID: "probation", Source: "b", Stage: StageProbation, Cacheable: true})
	rec.AddVersion(Version{ID: "candidate", Source: "c", Stage: StageCandidate, Cacheable: true})

	v, miss := sel.Select(rec, "", "")
	if miss != MissNone || v == nil {
		t.Fatalf("unexpected miss: %s", miss)
	}
	if v.ID != "old-durable" {
		t.Errorf("expected durable preferred, got %s", v.ID)
	}
}

func TestSelectorMisses(t *testing.T) {
	sel := NewSelector(NewHeuristics(config.HeuristicConfig{}))

	// Empty record.
	if _, miss := sel.Select(&Record{}, "", ""); miss != MissNoVersions {
		t.Errorf("expected no_versions, got %s", miss)
	}

	// Stale contract.
	rec := &Record{ContractFingerprint: "fp-old"}
	rec.AddVersion(Version{ID: "v", Source: "s", Stage: StageDurable, Cacheable: true})
	if _, miss := sel.Select(rec, "fp-new", ""); miss != MissContractStale {
		t.Errorf("expected contract_stale, got %s", miss)
	}

	// All degraded.
	rec = &Record{}
	rec.AddVersion(Version{ID: "v", Source: "s", Stage: StageDegraded, Cacheable: true})
	if _, miss := sel.Select(rec, "", ""); miss != MissAllDegraded {
		t.Errorf("expected all_degraded, got %s", miss)
	}

	// Live but not cacheable.
	rec = &Record{}
	rec.AddVersion(Version{ID: "v", Source: "s", Stage: StageCandidate, Cacheable: false})
	if _, miss := sel.Select(rec, "", ""); miss != MissNotCacheable {
		t.Errorf("expected not_cacheable, got %s", miss)
	}

	// Built for a different environment.
	rec = &Record{}
	rec.AddVersion(Version{ID: "v", Source: "s", Stage: StageDurable, Cacheable: true, EnvironmentID: "env-a"})
	if _, miss := sel.Select(rec, "", "env-b"); miss != MissRuntimeMismatch {
		t.Errorf("expected runtime_mismatch, got %s", miss)
	}
}

func TestPriorDurableRollbackTarget(t *testing.T) {
	rec := &Record{}
	rec.AddVersion(Version{ID: "v1", Source: "a", Stage: StageDurable})
	rec.AddVersion(Version{ID: "v2", Source: "b", Stage: StageDurable})

	if got := rec.PriorDurable("v2"); got == nil || got.ID != "v1" {
		t.Errorf("expected v1 as rollback target, got %+v", got)
	}
	if got := rec.PriorDurable("v1"); got == nil || got.ID != "v2" {
		t.Errorf("expected v2 when excluding v1, got %+v", got)
	}
}
