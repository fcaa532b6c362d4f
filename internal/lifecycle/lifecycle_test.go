package lifecycle

import (
	"fmt"
	"math/rand"
	"testing"

	"capforge/internal/artifact"
	"capforge/internal/config"
)

func testPolicy() PolicyV1 {
	return PolicyV1{
		MinCalls:            5,
		MinSessions:         2,
		MinPassRate:         0.9,
		MaxBudgetExhaustion: 1,
		MaxBoundaryReferral: 1,
		MinCoherenceRatio:   0.8,
		DemotionPassRate:    0.6,
	}
}

func probationVersion(id string) *artifact.Version {
	return &artifact.Version{ID: id, Stage: artifact.StageProbation}
}

func healthyScorecard() artifact.Scorecard {
	return artifact.Scorecard{
		Calls:        10,
		Successes:    10,
		ContractPass: 10,
		Sessions:     []string{"s1", "s2", "s3"},
	}
}

func TestFirstCommitEntersProbation(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	v := &artifact.Version{ID: "v1", Stage: artifact.StageCandidate}

	m.OnFirstCommit(v)
	if v.Stage != artifact.StageProbation {
		t.Errorf("expected probation, got %s", v.Stage)
	}

	// Idempotent for non-candidates.
	v.Stage = artifact.StageDurable
	m.OnFirstCommit(v)
	if v.Stage != artifact.StageDurable {
		t.Error("first-commit handling must not touch durable versions")
	}
}

func TestEvaluatePromotesHealthyVersion(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	rec := &artifact.Record{ID: artifact.CapabilityID{Role: "r", Operation: "o"}}
	v := probationVersion("v1")
	v.Scorecard = healthyScorecard()
	rec.Versions = []artifact.Version{*v}

	d := m.Evaluate(rec, &rec.Versions[0])
	if !d.Promote {
		t.Fatalf("expected promotion, reasons: %v", d.Reasons)
	}
	if rec.Versions[0].Stage != artifact.StageDurable {
		t.Errorf("stage not updated: %s", rec.Versions[0].Stage)
	}
}

func TestShadowModeNeverChangesStage(t *testing.T) {
	policy := testPolicy()
	policy.Shadow = true
	m := NewManager(policy, nil)

	rec := &artifact.Record{ID: artifact.CapabilityID{Role: "r", Operation: "o"}}
	v := probationVersion("v1")
	v.Scorecard = healthyScorecard()
	rec.Versions = []artifact.Version{*v}

	d := m.Evaluate(rec, &rec.Versions[0])
	if !d.Promote || !d.Shadow {
		t.Fatalf("expected shadow promote decision, got %+v", d)
	}
	if rec.Versions[0].Stage != artifact.StageProbation {
		t.Errorf("shadow mode changed stage to %s", rec.Versions[0].Stage)
	}
}

// Randomized gate check: across arbitrary scorecards, nothing below the
// thresholds ever reaches durable.
func TestGateNeverPromotesBelowThresholds(t *testing.T) {
	policy := testPolicy()
	m := NewManager(policy, nil)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		rec := &artifact.Record{ID: artifact.CapabilityID{Role: "r", Operation: fmt.Sprintf("op%d", i)}}
		v := probationVersion(fmt.Sprintf("v%d", i))

		sessions := make([]string, rng.Intn(5))
		for j := range sessions {
			sessions[j] = fmt.Sprintf("s%d", j)
		}
		pass := rng.Intn(12)
		fail := rng.Intn(4)
		v.Scorecard = artifact.Scorecard{
			Calls:                  rng.Intn(12),
			ContractPass:           pass,
			ContractFail:           fail,
			GuardrailExhausted:     rng.Intn(3),
			OutcomeRepairExhausted: rng.Intn(3),
			BoundaryReferrals:      rng.Intn(3),
			SharedKeyAgreements:    rng.Intn(10),
			SharedKeyTotal:         rng.Intn(10),
			Sessions:               sessions,
		}
		rec.Versions = []artifact.Version{*v}
		stored := &rec.Versions[0]

		m.Evaluate(rec, stored)
		promoted := stored.Stage == artifact.StageDurable

		s := &stored.Scorecard
		meets := s.Calls >= policy.MinCalls &&
			len(s.Sessions) >= policy.MinSessions &&
			s.PassRate() >= policy.MinPassRate &&
			s.GuardrailExhausted <= policy.MaxBudgetExhaustion &&
			s.OutcomeRepairExhausted <= policy.MaxBudgetExhaustion &&
			s.BoundaryReferrals <= policy.MaxBoundaryReferral &&
			s.CoherenceRatio() >= policy.MinCoherenceRatio

		if promoted && !meets {
			t.Fatalf("scorecard %+v promoted below thresholds", s)
		}
		if !promoted && meets {
			t.Fatalf("scorecard %+v met every threshold but was not promoted", s)
		}
	}
}

func TestIncumbentNotDisplaced(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	rec := &artifact.Record{ID: artifact.CapabilityID{Role: "r", Operation: "o"}}

	incumbent := artifact.Version{ID: "incumbent", Stage: artifact.StageDurable}
	challenger := artifact.Version{ID: "challenger", Stage: artifact.StageProbation, Scorecard: healthyScorecard()}
	rec.Versions = []artifact.Version{incumbent, challenger}

	d := m.Evaluate(rec, &rec.Versions[1])
	if !d.Promote {
		t.Fatalf("challenger should clear the gate: %v", d.Reasons)
	}
	// Both are durable now; the incumbent remains available for rollback.
	if rec.Versions[0].Stage != artifact.StageDurable {
		t.Error("incumbent must keep its durable stage")
	}
}

func TestDemotionAndRollback(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	rec := &artifact.Record{ID: artifact.CapabilityID{Role: "r", Operation: "o"}}
	rec.Versions = []artifact.Version{
		{ID: "old", Stage: artifact.StageDurable},
		{ID: "new", Stage: artifact.StageDurable},
	}

	v := &rec.Versions[1]
	v.Scorecard = artifact.Scorecard{Calls: 10, ContractPass: 2, ContractFail: 8}
	reason, should := m.ShouldDemote(v)
	if !should {
		t.Fatal("collapsed pass rate should trigger demotion")
	}
	if !m.Demote(rec, v, reason) {
		t.Fatal("Demote returned false")
	}
	if v.Stage != artifact.StageDegraded {
		t.Errorf("stage = %s", v.Stage)
	}

	target := m.Rollback(rec, "new")
	if target == nil || target.ID != "old" {
		t.Errorf("expected rollback to old, got %+v", target)
	}
}

func TestCustomEvidenceSource(t *testing.T) {
	policy := testPolicy()
	m := NewManager(policy, fixedEvidence(0.1))

	rec := &artifact.Record{ID: artifact.CapabilityID{Role: "r", Operation: "o"}}
	v := probationVersion("v1")
	v.Scorecard = healthyScorecard()
	rec.Versions = []artifact.Version{*v}

	d := m.Evaluate(rec, &rec.Versions[0])
	if d.Promote {
		t.Error("external evidence below threshold must block promotion")
	}
}

type fixedEvidence float64

func (f fixedEvidence) Coherence(_ artifact.CapabilityID, _ *artifact.Version) float64 {
	return float64(f)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.LifecycleConfig{
		MinCalls:            7,
		MinSessions:         3,
		MinPassRate:         0.95,
		MaxBudgetExhaustion: 0,
		MaxBoundaryReferral: 4,
		MinCoherenceRatio:   0.5,
		ShadowMode:          true,
		DemotionPassRate:    0.4,
	}
	p := PolicyFromConfig(cfg)
	if p.MinCalls != 7 || p.MinSessions != 3 || !p.Shadow || p.DemotionPassRate != 0.4 {
		t.Errorf("policy mapping wrong: %+v", p)
	}
	// Boundary referrals gate independently of budget exhaustions.
	if p.MaxBudgetExhaustion != 0 || p.MaxBoundaryReferral != 4 {
		t.Errorf("referral ceiling should carry its own knob: %+v", p)
	}
}
