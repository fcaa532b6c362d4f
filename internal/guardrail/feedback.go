package guardrail

import (
	"fmt"
	"strings"
)

// Feedback is the structured payload handed back to the provider when a
// generated program fails validation and recovery budget remains.
type Feedback struct {
	Attempt         int         `json:"attempt"`
	RemainingBudget int         `json:"remaining_budget"`
	Violations      []Violation `json:"violations"`
}

// NewFeedback builds feedback for a failed report.
func NewFeedback(report *Report, attempt, remaining int) Feedback {
	return Feedback{
		Attempt:         attempt,
		RemainingBudget: remaining,
		Violations:      report.Violations,
	}
}

// Format renders the feedback as prompt text for regeneration. Each
// violation carries its location and the concrete correction required.
func (f Feedback) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous program failed validation (attempt %d, %d retries remaining).\n", f.Attempt, f.RemainingBudget)
	b.WriteString("Fix every violation below and regenerate the complete program:\n")
	for i, v := range f.Violations {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, v.Type, v.Message)
		if v.Location != "" {
			fmt.Fprintf(&b, " (at %s)", v.Location)
		}
		if v.RequiredCorrection != "" {
			fmt.Fprintf(&b, "\n   required: %s", v.RequiredCorrection)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// HasTerminal reports whether any violation is terminal, in which case
// recovery must not be attempted regardless of remaining budget.
func (f Feedback) HasTerminal() bool {
	for _, v := range f.Violations {
		if v.Terminal {
			return true
		}
	}
	return false
}
