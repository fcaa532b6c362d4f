package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"capforge/internal/manifest"
)

// =============================================================================
// PROGRAM SYNTHESIS PROVIDER
// =============================================================================
// The provider is an external collaborator: given a capability request it
// returns program source plus any dependency requirements, or refuses.
// Model routing and prompt content live behind this interface; the rest of
// the runtime only sees typed results.

// Request describes one program to synthesize.
type Request struct {
	Role      string                 `json:"role"`
	Operation string                 `json:"operation"`
	Purpose   string                 `json:"purpose,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`

	// ContractSummary is prompt-ready text describing the deliverable shape.
	ContractSummary string `json:"contract_summary,omitempty"`

	// Feedback carries violation or failure detail on regeneration passes.
	Feedback string `json:"feedback,omitempty"`

	// AllowedImports is the import surface the program may use.
	AllowedImports []string `json:"allowed_imports,omitempty"`
}

// GeneratedProgram is a successful synthesis result.
type GeneratedProgram struct {
	Source       string                 `json:"source"`
	Requirements []manifest.Requirement `json:"requirements,omitempty"`
	Notes        string                 `json:"notes,omitempty"`
}

// Refusal is returned when the provider declares it cannot produce the
// program. The message is matched against the guardrail terminal patterns.
type Refusal struct {
	Message string
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("provider refused: %s", r.Message)
}

// Provider synthesizes programs for capability requests.
type Provider interface {
	GenerateProgram(ctx context.Context, req Request) (*GeneratedProgram, error)
}

// wireProgram is the JSON shape providers are asked to emit.
type wireProgram struct {
	Source       string `json:"source"`
	Refusal      string `json:"refusal,omitempty"`
	Notes        string `json:"notes,omitempty"`
	Requirements []struct {
		Name       string `json:"name"`
		Constraint string `json:"constraint"`
	} `json:"requirements,omitempty"`
}

// parseProgram decodes a provider reply. Replies may wrap the JSON in a
// markdown fence; anything else is a provider error.
func parseProgram(raw string) (*GeneratedProgram, error) {
	cleaned := stripFence(strings.TrimSpace(raw))

	var wire wireProgram
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("unparseable provider reply: %w", err)
	}
	if wire.Refusal != "" {
		return nil, &Refusal{Message: wire.Refusal}
	}
	if strings.TrimSpace(wire.Source) == "" {
		return nil, fmt.Errorf("provider reply contained no source")
	}

	prog := &GeneratedProgram{Source: wire.Source, Notes: wire.Notes}
	for _, r := range wire.Requirements {
		prog.Requirements = append(prog.Requirements, manifest.Requirement{
			Name:       r.Name,
			Constraint: r.Constraint,
		})
	}
	return prog, nil
}

// stripFence removes a surrounding markdown code fence if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// buildPrompt renders the synthesis prompt for a request.
func buildPrompt(req Request) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You write single-file Go programs executed inside a restricted interpreter.\n")
	sys.WriteString("The program must declare package main and define exactly:\n")
	sys.WriteString("  func Run(input map[string]interface{}) (interface{}, error)\n")
	if len(req.AllowedImports) > 0 {
		sys.WriteString("Allowed imports: " + strings.Join(req.AllowedImports, ", ") + "\n")
	}
	sys.WriteString("Shared state and host operations are available via the capforge/hostapi package ")
	sys.WriteString("(Get, Has, Set, Invoke, Errf, Retriablef).\n")
	sys.WriteString("Reply with JSON only: {\"source\": \"...\", \"requirements\": [{\"name\",\"constraint\"}], \"refusal\": \"...\"}.\n")
	sys.WriteString("Use refusal only when the capability is impossible with the allowed surface.")

	var usr strings.Builder
	fmt.Fprintf(&usr, "Capability: %s/%s\n", req.Role, req.Operation)
	if req.Purpose != "" {
		fmt.Fprintf(&usr, "Purpose: %s\n", req.Purpose)
	}
	if req.ContractSummary != "" {
		fmt.Fprintf(&usr, "Deliverable shape: %s\n", req.ContractSummary)
	}
	if len(req.Input) > 0 {
		if data, err := json.Marshal(req.Input); err == nil {
			fmt.Fprintf(&usr, "Example input: %s\n", data)
		}
	}
	if req.Feedback != "" {
		fmt.Fprintf(&usr, "\n%s\n", req.Feedback)
	}
	return sys.String(), usr.String()
}
