package worker

import (
	"capforge/internal/outcome"
)

// =============================================================================
// WIRE PROTOCOL
// =============================================================================
// Parent and worker speak newline-delimited JSON over the worker's stdin
// and stdout, one request line answered by exactly one response line.
// Stderr is reserved for worker logs and never parsed.

// Op names a request type.
type Op string

const (
	// OpExecute runs a program against input and state.
	OpExecute Op = "execute"
	// OpPing checks liveness after spawn and before reuse.
	OpPing Op = "ping"
	// OpShutdown asks the worker to exit cleanly.
	OpShutdown Op = "shutdown"
)

// Request is one line sent to a worker.
type Request struct {
	ID     string                 `json:"id"`
	Op     Op                     `json:"op"`
	Source string                 `json:"source,omitempty"`
	Input  map[string]interface{} `json:"input,omitempty"`
	State  map[string]interface{} `json:"state,omitempty"`

	// Requirements lists the dependency manifest's import paths. The worker
	// resolves them into its importable surface before running the program
	// and answers dependency_resolution_failed for any it cannot provide.
	Requirements []string `json:"requirements,omitempty"`

	// TimeoutMillis bounds execution inside the worker. The parent enforces
	// its own deadline as well; this one exists so a healthy worker can
	// answer with a typed timeout instead of being killed.
	TimeoutMillis int64 `json:"timeout_ms,omitempty"`
}

// Response is one line received from a worker.
type Response struct {
	ID           string                 `json:"id"`
	Status       outcome.Status         `json:"status"`
	Value        interface{}            `json:"value,omitempty"`
	ErrorType    outcome.ErrorType      `json:"error_type,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Retriable    bool                   `json:"retriable,omitempty"`
	State        map[string]interface{} `json:"state,omitempty"`
}

// Outcome converts a response into an outcome envelope.
func (r Response) Outcome() outcome.Outcome {
	if r.Status == outcome.StatusOK {
		return outcome.OK(r.Value)
	}
	o := outcome.Errf(r.ErrorType, "%s", r.ErrorMessage)
	o.Retriable = r.Retriable
	return o
}

// ResponseFor builds the response line for an executed outcome.
func ResponseFor(id string, o outcome.Outcome, state map[string]interface{}) Response {
	return Response{
		ID:           id,
		Status:       o.Status,
		Value:        o.Value,
		ErrorType:    o.ErrorType,
		ErrorMessage: o.ErrorMessage,
		Retriable:    o.Retriable,
		State:        state,
	}
}
