package orchestrator

import (
	"context"
	"sync"

	"capforge/internal/attempt"
	"capforge/internal/outcome"
)

// OpKind tags how an operation is served.
type OpKind int

const (
	// KindHost is a built-in operation served from the static table.
	KindHost OpKind = iota
	// KindEmergent is anything else: generated, validated, and executed
	// through the synthesis lifecycle.
	KindEmergent
)

// HostHandler serves one built-in operation.
type HostHandler func(ctx context.Context, input map[string]interface{}, state *attempt.State) outcome.Outcome

// Dispatch is the routing decision for one operation name.
type Dispatch struct {
	Kind    OpKind
	Handler HostHandler
}

// Dispatcher holds the static host-operation table. Any name miss routes
// to the generation lifecycle; there is no open-ended reflection here.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HostHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HostHandler)}
}

// RegisterHost adds a built-in operation. Registration happens at wiring
// time; the table is effectively static afterwards.
func (d *Dispatcher) RegisterHost(operation string, h HostHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[operation] = h
}

// Resolve routes an operation name.
func (d *Dispatcher) Resolve(operation string) Dispatch {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[operation]; ok {
		return Dispatch{Kind: KindHost, Handler: h}
	}
	return Dispatch{Kind: KindEmergent}
}

// HostOperations lists registered built-ins.
func (d *Dispatcher) HostOperations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}
