package artifact

import (
	"capforge/internal/logging"
)

// MissReason explains why selection produced no usable version.
type MissReason string

const (
	MissNone            MissReason = ""
	MissNoVersions      MissReason = "no_versions"
	MissContractStale   MissReason = "contract_stale"
	MissAllDegraded     MissReason = "all_degraded"
	MissNotCacheable    MissReason = "not_cacheable"
	MissRuntimeMismatch MissReason = "runtime_mismatch"
)

// Selector picks the version to execute for a capability, or reports why
// a fresh generation is needed.
type Selector struct {
	heuristics *Heuristics
}

// NewSelector creates a selector sharing the store's heuristic tables.
func NewSelector(h *Heuristics) *Selector {
	return &Selector{heuristics: h}
}

// Select returns the preferred usable version. Preference among
// non-degraded versions is durable, then probation, then candidate, newest
// within a stage. contractFP is the caller's current contract fingerprint;
// environmentID restricts reuse to programs built for this environment
// (empty string accepts any).
func (s *Selector) Select(rec *Record, contractFP, environmentID string) (*Version, MissReason) {
	log := logging.Get(logging.CategoryStore)

	if rec == nil || len(rec.Versions) == 0 {
		return nil, MissNoVersions
	}

	// A drifted contract makes every stored program suspect.
	if contractFP != "" && rec.ContractFingerprint != "" && rec.ContractFingerprint != contractFP {
		log.Debugw("contract fingerprint stale", "capability", rec.ID.String())
		return nil, MissContractStale
	}

	var best *Version
	sawLive := false
	sawCacheable := false
	for i := len(rec.Versions) - 1; i >= 0; i-- {
		v := &rec.Versions[i]
		if v.Stage == StageDegraded {
			continue
		}
		sawLive = true
		if !v.Cacheable {
			continue
		}
		sawCacheable = true
		if environmentID != "" && v.EnvironmentID != "" && v.EnvironmentID != environmentID {
			continue
		}
		if best == nil || stageRank(v.Stage) > stageRank(best.Stage) {
			best = v
		}
	}

	if best != nil {
		return best, MissNone
	}
	if !sawLive {
		return nil, MissAllDegraded
	}
	if !sawCacheable {
		return nil, MissNotCacheable
	}
	return nil, MissRuntimeMismatch
}

// Admit evaluates a freshly generated program and stamps its cacheability
// verdict onto the version before it is added to a record.
func (s *Selector) Admit(v *Version, input map[string]interface{}) {
	c := s.heuristics.Evaluate(v.Source, input)
	v.Cacheable = c.Cacheable
	v.CacheReason = c.Reason
	v.InputSensitive = c.InputSensitive
}
