package classify

import (
	"regexp"
	"testing"

	"capforge/internal/outcome"
)

func TestClassifyByType(t *testing.T) {
	c := New()

	tests := []struct {
		errType outcome.ErrorType
		want    Origin
	}{
		{outcome.ErrTimeout, OriginExtrinsic},
		{outcome.ErrInvalidCode, OriginIntrinsic},
		{outcome.ErrContractViolation, OriginAdaptive},
		{outcome.ErrNonSerializableResult, OriginIntrinsic},
		{outcome.ErrWorkerCrashed, OriginExtrinsic},
		{outcome.ErrProvider, OriginExtrinsic},
	}

	for _, tt := range tests {
		got := c.Classify(tt.errType, "whatever the message says")
		if got.Origin != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.errType, got.Origin, tt.want)
		}
	}
}

func TestClassifyByMessage(t *testing.T) {
	c := New()

	tests := []struct {
		name    string
		message string
		want    Origin
	}{
		{"connection refused", "dial tcp 10.0.0.1:443: connection refused", OriginExtrinsic},
		{"rate limit", "upstream returned 429 Too Many Requests", OriginExtrinsic},
		{"bad gateway", "502 Bad Gateway from proxy", OriginExtrinsic},
		{"undefined symbol", "undefined: frobnicate", OriginIntrinsic},
		{"nil deref", "runtime error: nil pointer dereference", OriginIntrinsic},
		{"index error", "index out of range [3] with length 2", OriginIntrinsic},
		{"schema drift", "unexpected field \"items_v2\" in response", OriginAdaptive},
		{"missing key", "missing field \"total\" in payload", OriginAdaptive},
		{"deprecated endpoint", "endpoint no longer exists, use /v2/query", OriginAdaptive},
		{"unknown failure", "something inscrutable happened", OriginIntrinsic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(outcome.ErrExecution, tt.message)
			if got.Origin != tt.want {
				t.Errorf("Classify(%q) = %s (rule %s), want %s", tt.message, got.Origin, got.Rule, tt.want)
			}
		})
	}
}

func TestCustomRulesTakePrecedence(t *testing.T) {
	c := NewWithRules([]Rule{
		{
			Name:       "flaky_partner_api",
			Origin:     OriginExtrinsic,
			Pattern:    regexp.MustCompile(`partner api hiccup`),
			Confidence: 1.0,
		},
	})

	got := c.Classify(outcome.ErrExecution, "partner api hiccup: undefined: x")
	if got.Origin != OriginExtrinsic || got.Rule != "flaky_partner_api" {
		t.Errorf("custom rule did not win: %+v", got)
	}
}

func TestClassifyOutcome(t *testing.T) {
	c := New()

	ok := outcome.OK("fine")
	if _, classified := c.ClassifyOutcome(&ok); classified {
		t.Error("OK outcome should not be classified")
	}

	fail := outcome.Errf(outcome.ErrExecution, "connection refused")
	cl, classified := c.ClassifyOutcome(&fail)
	if !classified {
		t.Fatal("expected classification for failed outcome")
	}
	if cl.Origin != OriginExtrinsic {
		t.Errorf("expected extrinsic, got %s", cl.Origin)
	}
}
