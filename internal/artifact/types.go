package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"capforge/internal/manifest"
)

// =============================================================================
// ARTIFACT MODEL
// =============================================================================

// CapabilityID is the stable (role, operation) key artifacts persist under.
type CapabilityID struct {
	Role      string `json:"role"`
	Operation string `json:"operation"`
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// FileName returns the on-disk file for this identity: <role>__<op>.json.
func (id CapabilityID) FileName() string {
	role := unsafeFileChars.ReplaceAllString(id.Role, "_")
	op := unsafeFileChars.ReplaceAllString(id.Operation, "_")
	return fmt.Sprintf("%s__%s.json", role, op)
}

func (id CapabilityID) String() string {
	return id.Role + "/" + id.Operation
}

// Stage is a version's position in the promotion lifecycle.
type Stage string

const (
	StageCandidate Stage = "candidate"
	StageProbation Stage = "probation"
	StageDurable   Stage = "durable"
	StageDegraded  Stage = "degraded"
)

// stageRank orders stages for selection; higher wins.
func stageRank(s Stage) int {
	switch s {
	case StageDurable:
		return 3
	case StageProbation:
		return 2
	case StageCandidate:
		return 1
	default:
		return 0
	}
}

// Scorecard accumulates per-version reliability evidence.
type Scorecard struct {
	Calls                  int `json:"calls"`
	Successes              int `json:"successes"`
	ContractPass           int `json:"contract_pass"`
	ContractFail           int `json:"contract_fail"`
	GuardrailExhausted     int `json:"guardrail_exhausted"`
	OutcomeRepairExhausted int `json:"outcome_repair_exhausted"`
	BoundaryReferrals      int `json:"boundary_referrals"`

	// Shared-state key usage agreement with sibling operations.
	SharedKeyAgreements int `json:"shared_key_agreements"`
	SharedKeyTotal      int `json:"shared_key_total"`

	// Distinct session identifiers observed, capped to bound file growth.
	Sessions []string `json:"sessions,omitempty"`
}

const maxTrackedSessions = 64

// RecordSession notes a session identifier if not already tracked.
func (s *Scorecard) RecordSession(sessionID string) {
	if sessionID == "" {
		return
	}
	for _, id := range s.Sessions {
		if id == sessionID {
			return
		}
	}
	if len(s.Sessions) < maxTrackedSessions {
		s.Sessions = append(s.Sessions, sessionID)
	}
}

// PassRate is the contract pass rate over checked calls. No evidence means
// rate zero, never a free pass.
func (s *Scorecard) PassRate() float64 {
	total := s.ContractPass + s.ContractFail
	if total == 0 {
		return 0
	}
	return float64(s.ContractPass) / float64(total)
}

// CoherenceRatio is the agreement of shared-state key usage across sibling
// operations. With no shared-state usage at all the ratio is 1: a program
// that touches nothing cannot disagree with anything.
func (s *Scorecard) CoherenceRatio() float64 {
	if s.SharedKeyTotal == 0 {
		return 1
	}
	return float64(s.SharedKeyAgreements) / float64(s.SharedKeyTotal)
}

// Trigger records what caused a version to be generated or repaired.
type Trigger struct {
	Stage   string `json:"stage"`   // pipeline stage that tripped
	Class   string `json:"class"`   // failure class, when applicable
	Message string `json:"message"` // diagnostic detail
}

// Version is one generated program for a capability.
type Version struct {
	ID             string    `json:"id"`
	Checksum       string    `json:"checksum"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	Stage          Stage     `json:"stage"`
	Cacheable      bool      `json:"cacheable"`
	CacheReason    string    `json:"cache_reason,omitempty"`
	InputSensitive bool      `json:"input_sensitive,omitempty"`
	EnvironmentID  string    `json:"environment_id,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	Trigger        Trigger   `json:"trigger"`
	Scorecard      Scorecard `json:"scorecard"`
}

// ChecksumOf hashes program source for integrity checks.
func ChecksumOf(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Record is the registry entry for one capability identity: purpose,
// contract metadata, usage counters, and bounded version lineage.
type Record struct {
	ID                  CapabilityID      `json:"id"`
	Purpose             string            `json:"purpose,omitempty"`
	ContractFingerprint string            `json:"contract_fingerprint,omitempty"`
	Manifest            manifest.Manifest `json:"manifest,omitempty"`
	KnownKeys           []string          `json:"known_keys,omitempty"`
	Versions            []Version         `json:"versions"`
	TotalCalls          int               `json:"total_calls"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// maxLineage bounds retained versions to the latest plus two ancestors.
const maxLineage = 3

// AddVersion appends a version, linking it to the current latest and
// trimming lineage to the retention bound. Returns the stored version.
func (r *Record) AddVersion(v Version) *Version {
	if v.Checksum == "" {
		v.Checksum = ChecksumOf(v.Source)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Stage == "" {
		v.Stage = StageCandidate
	}
	if latest := r.Latest(); latest != nil && v.ParentID == "" {
		v.ParentID = latest.ID
	}
	r.Versions = append(r.Versions, v)
	if len(r.Versions) > maxLineage {
		r.Versions = r.Versions[len(r.Versions)-maxLineage:]
	}
	r.UpdatedAt = time.Now().UTC()
	return &r.Versions[len(r.Versions)-1]
}

// Latest returns the most recently added version.
func (r *Record) Latest() *Version {
	if len(r.Versions) == 0 {
		return nil
	}
	return &r.Versions[len(r.Versions)-1]
}

// Find returns the version with the given id.
func (r *Record) Find(versionID string) *Version {
	for i := range r.Versions {
		if r.Versions[i].ID == versionID {
			return &r.Versions[i]
		}
	}
	return nil
}

// PriorDurable returns the newest durable version other than exclude, used
// for rollback after a promoted version degrades.
func (r *Record) PriorDurable(excludeID string) *Version {
	for i := len(r.Versions) - 1; i >= 0; i-- {
		v := &r.Versions[i]
		if v.ID != excludeID && v.Stage == StageDurable {
			return v
		}
	}
	return nil
}

// KnowsKey reports whether committed programs for this capability have
// written the shared-state key before.
func (r *Record) KnowsKey(key string) bool {
	for _, k := range r.KnownKeys {
		if k == key {
			return true
		}
	}
	return false
}

// NoteKey adds a shared-state key to the capability's known vocabulary.
func (r *Record) NoteKey(key string) {
	if !r.KnowsKey(key) {
		r.KnownKeys = append(r.KnownKeys, key)
	}
}

// Lineage renders parent links newest first for diagnostics.
func (r *Record) Lineage() string {
	parts := make([]string, 0, len(r.Versions))
	for i := len(r.Versions) - 1; i >= 0; i-- {
		parts = append(parts, r.Versions[i].ID)
	}
	return strings.Join(parts, " <- ")
}
