package classify

import (
	"regexp"

	"capforge/internal/outcome"
)

// =============================================================================
// FAILURE ORIGIN CLASSIFICATION - WHOSE FAULT WAS IT?
// =============================================================================
// Every execution failure is classified before the retry machinery decides
// what to do with it. Intrinsic failures are the program's fault and charge
// the execution repair budget. Extrinsic failures come from outside and
// propagate retriable without penalty. Adaptive failures mean the world
// changed shape underneath a previously working program and charge the
// outcome repair budget.

// Origin identifies where a failure came from.
type Origin string

const (
	OriginIntrinsic Origin = "intrinsic"
	OriginExtrinsic Origin = "extrinsic"
	OriginAdaptive  Origin = "adaptive"
)

// Classification is the result of classifying one failure.
type Classification struct {
	Origin     Origin  `json:"origin"`
	Rule       string  `json:"rule"`
	Confidence float64 `json:"confidence"`
}

// Rule matches failure messages to an origin.
type Rule struct {
	Name       string
	Origin     Origin
	Pattern    *regexp.Regexp
	Confidence float64
}

// Classifier assigns a failure origin to execution errors.
type Classifier struct {
	rules []Rule
}

// typeOrigins short-circuits classification for error types whose origin is
// unambiguous regardless of message text.
var typeOrigins = map[outcome.ErrorType]Classification{
	outcome.ErrTimeout:                    {Origin: OriginExtrinsic, Rule: "type_timeout", Confidence: 0.9},
	outcome.ErrInvalidCode:                {Origin: OriginIntrinsic, Rule: "type_invalid_code", Confidence: 1.0},
	outcome.ErrContractViolation:          {Origin: OriginAdaptive, Rule: "type_contract_violation", Confidence: 0.8},
	outcome.ErrNonSerializableResult:      {Origin: OriginIntrinsic, Rule: "type_non_serializable", Confidence: 0.9},
	outcome.ErrDependencyPolicyViolation:  {Origin: OriginIntrinsic, Rule: "type_dependency_policy", Confidence: 0.9},
	outcome.ErrDependencyResolutionFailed: {Origin: OriginExtrinsic, Rule: "type_dependency_resolution", Confidence: 0.8},
	outcome.ErrWorkerCrashed:              {Origin: OriginExtrinsic, Rule: "type_worker_crashed", Confidence: 0.7},
	outcome.ErrCapabilityUnavailable:      {Origin: OriginExtrinsic, Rule: "type_capability_unavailable", Confidence: 0.8},
	outcome.ErrProvider:                   {Origin: OriginExtrinsic, Rule: "type_provider", Confidence: 0.8},
}

// defaultRules returns the built-in message pattern table. Order matters:
// the first matching rule wins, so the more specific patterns come first.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:       "network_refused",
			Origin:     OriginExtrinsic,
			Pattern:    regexp.MustCompile(`(?i)(connection\s*refused|connection\s*reset|no\s*route\s*to\s*host|dns|unreachable)`),
			Confidence: 0.9,
		},
		{
			Name:       "rate_limited",
			Origin:     OriginExtrinsic,
			Pattern:    regexp.MustCompile(`(?i)(rate\s*limit|429|too\s*many\s*requests|throttl|quota)`),
			Confidence: 0.9,
		},
		{
			Name:       "upstream_unavailable",
			Origin:     OriginExtrinsic,
			Pattern:    regexp.MustCompile(`(?i)(service\s*unavailable|503|502|bad\s*gateway|deadline\s*exceeded|timed?\s*out)`),
			Confidence: 0.8,
		},
		{
			Name:       "schema_drift",
			Origin:     OriginAdaptive,
			Pattern:    regexp.MustCompile(`(?i)(unexpected\s*(field|key|type|format)|schema\s*(change|mismatch)|missing\s*(field|key)|shape\s*drift|unknown\s*field)`),
			Confidence: 0.8,
		},
		{
			Name:       "stale_assumption",
			Origin:     OriginAdaptive,
			Pattern:    regexp.MustCompile(`(?i)(no\s*longer\s*(exists|valid|supported)|deprecated|moved\s*permanently|version\s*mismatch)`),
			Confidence: 0.7,
		},
		{
			Name:       "code_defect",
			Origin:     OriginIntrinsic,
			Pattern:    regexp.MustCompile(`(?i)(undefined:|undeclared|syntax\s*error|nil\s*pointer|index\s*out\s*of\s*range|cannot\s*convert|invalid\s*operation|division\s*by\s*zero)`),
			Confidence: 0.9,
		},
		{
			Name:       "type_assertion",
			Origin:     OriginIntrinsic,
			Pattern:    regexp.MustCompile(`(?i)(type\s*assertion|cannot\s*use.*as.*value|interface\s*conversion)`),
			Confidence: 0.9,
		},
	}
}

// New creates a classifier with the default rule table.
func New() *Classifier {
	return &Classifier{rules: defaultRules()}
}

// NewWithRules creates a classifier with a custom rule table prepended to
// the defaults, so callers can tune classification without losing coverage.
func NewWithRules(rules []Rule) *Classifier {
	return &Classifier{rules: append(rules, defaultRules()...)}
}

// Classify assigns an origin to an execution failure. Unmatched failures
// default to intrinsic so they charge a bounded budget rather than looping
// as free retries.
func (c *Classifier) Classify(errType outcome.ErrorType, message string) Classification {
	if cl, ok := typeOrigins[errType]; ok {
		return cl
	}
	for _, rule := range c.rules {
		if rule.Pattern.MatchString(message) {
			return Classification{Origin: rule.Origin, Rule: rule.Name, Confidence: rule.Confidence}
		}
	}
	return Classification{Origin: OriginIntrinsic, Rule: "default_intrinsic", Confidence: 0.5}
}

// ClassifyOutcome is a convenience wrapper for failed outcomes. OK outcomes
// produce no classification.
func (c *Classifier) ClassifyOutcome(o *outcome.Outcome) (Classification, bool) {
	if o == nil || o.IsOK() {
		return Classification{}, false
	}
	return c.Classify(o.ErrorType, o.ErrorMessage), true
}
