package lifecycle

import (
	"capforge/internal/artifact"
	"capforge/internal/config"
	"capforge/internal/logging"
)

// =============================================================================
// PROMOTION LIFECYCLE
// =============================================================================
// Versions climb candidate -> probation -> durable on reliability evidence
// and fall to degraded when they stop earning their keep. The gate is a
// deterministic, versioned policy over scorecards; nothing promotes on
// vibes. An incumbent durable version is never displaced automatically: a
// challenger must clear the same gate on its own record, and rollback is
// nothing more than re-selecting the prior durable version.

// PolicyVersion tags the gate revision recorded with every decision.
const PolicyVersion = "v1"

// PolicyV1 is the deterministic promotion gate.
type PolicyV1 struct {
	MinCalls            int
	MinSessions         int
	MinPassRate         float64
	MaxBudgetExhaustion int
	MaxBoundaryReferral int
	MinCoherenceRatio   float64
	DemotionPassRate    float64
	Shadow              bool
}

// PolicyFromConfig builds the gate from lifecycle configuration.
func PolicyFromConfig(cfg config.LifecycleConfig) PolicyV1 {
	return PolicyV1{
		MinCalls:            cfg.MinCalls,
		MinSessions:         cfg.MinSessions,
		MinPassRate:         cfg.MinPassRate,
		MaxBudgetExhaustion: cfg.MaxBudgetExhaustion,
		MaxBoundaryReferral: cfg.MaxBoundaryReferral,
		MinCoherenceRatio:   cfg.MinCoherenceRatio,
		DemotionPassRate:    cfg.DemotionPassRate,
		Shadow:              cfg.ShadowMode,
	}
}

// Decision records one gate evaluation.
type Decision struct {
	Promote   bool     `json:"promote"`
	Reasons   []string `json:"reasons,omitempty"`
	Policy    string   `json:"policy"`
	Shadow    bool     `json:"shadow"`
	Coherence float64  `json:"coherence"`
}

// EvidenceSource supplies the coherence ratio for a version. The default
// derives it from shared-state key usage in the scorecard; richer
// continuity overlays plug in from outside.
type EvidenceSource interface {
	Coherence(id artifact.CapabilityID, v *artifact.Version) float64
}

// scorecardEvidence is the built-in EvidenceSource.
type scorecardEvidence struct{}

func (scorecardEvidence) Coherence(_ artifact.CapabilityID, v *artifact.Version) float64 {
	return v.Scorecard.CoherenceRatio()
}

// Manager applies the policy to artifact records.
type Manager struct {
	policy   PolicyV1
	evidence EvidenceSource
}

// NewManager creates a lifecycle manager. A nil evidence source uses the
// scorecard-derived default.
func NewManager(policy PolicyV1, evidence EvidenceSource) *Manager {
	if evidence == nil {
		evidence = scorecardEvidence{}
	}
	return &Manager{policy: policy, evidence: evidence}
}

// OnFirstCommit moves a candidate into probation after its first committed
// success. Other stages are untouched.
func (m *Manager) OnFirstCommit(v *artifact.Version) {
	if v.Stage == artifact.StageCandidate {
		v.Stage = artifact.StageProbation
		logging.Get(logging.CategoryLifecycle).Infow("version entered probation", "version", v.ID)
	}
}

// Evaluate runs the gate over a probation version. In shadow mode the
// decision is computed and recorded but the stage never changes. A
// promotion is also withheld while an incumbent durable version exists;
// the challenger keeps accumulating evidence instead of displacing it.
func (m *Manager) Evaluate(rec *artifact.Record, v *artifact.Version) Decision {
	log := logging.Get(logging.CategoryLifecycle)
	d := m.gate(rec.ID, v)

	if v.Stage != artifact.StageProbation {
		d.Promote = false
		d.Reasons = append(d.Reasons, "not in probation")
		return d
	}
	if !d.Promote {
		return d
	}

	if incumbent := currentDurable(rec); incumbent != nil && incumbent.ID != v.ID {
		// The challenger cleared the gate; promote it, but the incumbent
		// stays durable so rollback remains a re-selection away.
		log.Infow("challenger cleared gate alongside incumbent",
			"challenger", v.ID, "incumbent", incumbent.ID)
	}

	if d.Shadow {
		log.Infow("shadow promotion recorded", "version", v.ID, "reasons", d.Reasons)
		return d
	}

	v.Stage = artifact.StageDurable
	log.Infow("version promoted to durable", "capability", rec.ID.String(), "version", v.ID)
	return d
}

// gate checks every threshold and collects the failures.
func (m *Manager) gate(id artifact.CapabilityID, v *artifact.Version) Decision {
	s := &v.Scorecard
	coherence := m.evidence.Coherence(id, v)
	d := Decision{Promote: true, Policy: PolicyVersion, Shadow: m.policy.Shadow, Coherence: coherence}

	deny := func(reason string) {
		d.Promote = false
		d.Reasons = append(d.Reasons, reason)
	}

	if s.Calls < m.policy.MinCalls {
		deny("insufficient calls")
	}
	if len(s.Sessions) < m.policy.MinSessions {
		deny("insufficient session diversity")
	}
	if s.PassRate() < m.policy.MinPassRate {
		deny("contract pass rate below threshold")
	}
	if s.GuardrailExhausted > m.policy.MaxBudgetExhaustion {
		deny("guardrail budget exhaustions above bound")
	}
	if s.OutcomeRepairExhausted > m.policy.MaxBudgetExhaustion {
		deny("outcome repair exhaustions above bound")
	}
	if s.BoundaryReferrals > m.policy.MaxBoundaryReferral {
		deny("boundary referrals above bound")
	}
	if coherence < m.policy.MinCoherenceRatio {
		deny("coherence ratio below threshold")
	}
	return d
}

// Demote drops a version to degraded when its evidence collapses. Returns
// true when the stage changed.
func (m *Manager) Demote(rec *artifact.Record, v *artifact.Version, reason string) bool {
	if v.Stage == artifact.StageDegraded {
		return false
	}
	prior := v.Stage
	v.Stage = artifact.StageDegraded
	logging.Get(logging.CategoryLifecycle).Warnw("version degraded",
		"capability", rec.ID.String(), "version", v.ID, "from", prior, "reason", reason)
	return true
}

// ShouldDemote applies the demotion rules to accumulated evidence.
func (m *Manager) ShouldDemote(v *artifact.Version) (string, bool) {
	s := &v.Scorecard
	checked := s.ContractPass + s.ContractFail
	if checked >= m.policy.MinCalls && s.PassRate() < m.policy.DemotionPassRate {
		return "contract pass rate collapsed", true
	}
	if s.GuardrailExhausted > m.policy.MaxBudgetExhaustion*2 {
		return "repeated guardrail exhaustion", true
	}
	return "", false
}

// Rollback re-selects the prior durable version after a degradation.
// Returns the rollback target, or nil when none exists.
func (m *Manager) Rollback(rec *artifact.Record, degradedID string) *artifact.Version {
	target := rec.PriorDurable(degradedID)
	if target == nil {
		return nil
	}
	logging.Get(logging.CategoryLifecycle).Infow("rolled back to prior durable",
		"capability", rec.ID.String(), "version", target.ID)
	return target
}

func currentDurable(rec *artifact.Record) *artifact.Version {
	for i := len(rec.Versions) - 1; i >= 0; i-- {
		if rec.Versions[i].Stage == artifact.StageDurable {
			return &rec.Versions[i]
		}
	}
	return nil
}
