package artifact

import (
	"fmt"
	"regexp"
	"strings"

	"capforge/internal/config"
)

// Cacheability is the heuristic verdict on whether a version may be stored
// and replayed.
type Cacheability struct {
	Cacheable      bool   `json:"cacheable"`
	Reason         string `json:"reason,omitempty"`
	InputSensitive bool   `json:"input_sensitive"`
}

// Heuristics evaluates generated source for cacheability. The pattern
// tables come from config so operators can tune them without a rebuild.
type Heuristics struct {
	nondeterministic []string
	environment      []string
	sensitiveKeys    []string
}

// dynamicDispatch matches host operation calls whose target is computed at
// runtime rather than a string literal. Replaying those is betting that an
// unknown routing decision repeats.
var dynamicDispatch = regexp.MustCompile(`hostapi\.Invoke\(\s*[^"\s)]`)

// NewHeuristics builds the evaluator from config, falling back to the
// shipped defaults when a table is empty.
func NewHeuristics(cfg config.HeuristicConfig) *Heuristics {
	h := &Heuristics{
		nondeterministic: cfg.NondeterministicPatterns,
		environment:      cfg.EnvironmentPatterns,
		sensitiveKeys:    cfg.SensitiveInputKeys,
	}
	if len(h.nondeterministic) == 0 {
		h.nondeterministic = []string{"rand.", "time.Now", "uuid.New"}
	}
	if len(h.environment) == 0 {
		h.environment = []string{"os.Getenv", "os.Environ", "net.", "http."}
	}
	return h
}

// Evaluate judges one generated program. The input that produced it is
// consulted for input-baked detection; nil input skips that check.
func (h *Heuristics) Evaluate(source string, input map[string]interface{}) Cacheability {
	c := Cacheability{Cacheable: true}

	if dynamicDispatch.MatchString(source) {
		return Cacheability{Reason: "dynamic_dispatch"}
	}
	for _, pat := range h.nondeterministic {
		if strings.Contains(source, pat) {
			return Cacheability{Reason: fmt.Sprintf("nondeterministic:%s", pat)}
		}
	}
	for _, pat := range h.environment {
		if strings.Contains(source, pat) {
			return Cacheability{Reason: fmt.Sprintf("reads_environment:%s", pat)}
		}
	}

	// A program that never touches its input almost certainly baked the
	// request into its body; replaying it answers yesterday's question.
	if !referencesInput(source) {
		return Cacheability{Reason: "input_ignoring"}
	}
	if key, baked := inputBaked(source, input); baked {
		return Cacheability{Reason: fmt.Sprintf("input_baked:%s", key)}
	}

	for _, key := range h.sensitiveKeys {
		if _, ok := input[key]; ok {
			c.InputSensitive = true
			break
		}
	}
	return c
}

// referencesInput reports whether the entrypoint parameter is actually read.
func referencesInput(source string) bool {
	// Cheap but effective: any use of the input identifier beyond the
	// parameter declaration counts.
	idx := strings.Index(source, "func Run(")
	if idx < 0 {
		return false
	}
	body := source[idx:]
	return strings.Count(body, "input") > 1
}

// inputBaked reports whether a distinctive input value appears verbatim as
// a literal in the source.
func inputBaked(source string, input map[string]interface{}) (string, bool) {
	for key, v := range input {
		s, ok := v.(string)
		if !ok || len(s) < 4 {
			continue
		}
		if strings.Contains(source, s) {
			return key, true
		}
	}
	return "", false
}
