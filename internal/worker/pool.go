package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"capforge/internal/config"
	"capforge/internal/logging"
	"capforge/internal/outcome"
)

// =============================================================================
// WORKER POOL SUPERVISOR
// =============================================================================
// One pool per environment identity. Workers are subprocesses of the
// capforge-worker binary; the pool spawns them lazily, hands calls to an
// idle worker, restarts crashed ones until the restart budget runs out,
// and reaps workers idle past the configured timeout. State snapshots ride
// along with each call, so an identity change migrates state by simply
// sending the old snapshot to the new environment's worker.

// Supervisor manages pools across environment identities.
type Supervisor struct {
	mu    sync.Mutex
	cfg   config.WorkerConfig
	pools map[EnvironmentID]*Pool
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(cfg config.WorkerConfig) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		pools: make(map[EnvironmentID]*Pool),
	}
}

// PoolFor returns the pool for an identity, creating it on first use.
func (s *Supervisor) PoolFor(env EnvironmentID) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[env]; ok {
		return p
	}
	p := newPool(env, s.cfg)
	s.pools[env] = p
	return p
}

// Migrate carries a state snapshot from one identity's pool to another.
// The snapshot must survive a JSON round trip; state that cannot is
// rejected as non-serializable before any worker sees it.
func (s *Supervisor) Migrate(ctx context.Context, from, to EnvironmentID, state map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, &outcome.Error{
			Type:    outcome.ErrNonSerializableResult,
			Message: fmt.Sprintf("state snapshot not serializable during migration: %v", err),
		}
	}
	var migrated map[string]interface{}
	if err := json.Unmarshal(payload, &migrated); err != nil {
		return nil, fmt.Errorf("rehydrate migrated state: %w", err)
	}
	logging.Get(logging.CategoryWorker).Infow("state migrated",
		"from", from.Short(), "to", to.Short(), "keys", len(migrated))
	return migrated, nil
}

// Shutdown drains every pool and reaps all children.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.pools = make(map[EnvironmentID]*Pool)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error { return p.Shutdown(ctx) })
	}
	return g.Wait()
}

// Pool runs calls for a single environment identity.
type Pool struct {
	env  EnvironmentID
	cfg  config.WorkerConfig
	slot *semaphore.Weighted

	mu       sync.Mutex
	idle     []*proc
	live     int
	restarts int
	terminal bool
	closed   bool
}

func newPool(env EnvironmentID, cfg config.WorkerConfig) *Pool {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}
	return &Pool{
		env:  env,
		cfg:  cfg,
		slot: semaphore.NewWeighted(int64(size)),
	}
}

// Execute runs a program in this pool's environment. The call blocks for a
// free worker slot, spawning a new worker when none is idle. requirements
// carries the dependency manifest's import paths for the worker to resolve.
func (p *Pool) Execute(ctx context.Context, source string, requirements []string, input, state map[string]interface{}) (outcome.Outcome, map[string]interface{}) {
	if err := p.slot.Acquire(ctx, 1); err != nil {
		return outcome.Retriablef(outcome.ErrTimeout, "queue wait cancelled: %v", err), state
	}
	defer p.slot.Release(1)

	w, err := p.checkout(ctx)
	if err != nil {
		if p.isTerminal() {
			return outcome.Errf(outcome.ErrCapabilityUnavailable,
				"environment %s exceeded its restart budget: %v", p.env.Short(), err), state
		}
		return outcome.Retriablef(outcome.ErrWorkerCrashed, "no worker available: %v", err), state
	}

	req := Request{
		ID:           uuid.NewString(),
		Op:           OpExecute,
		Source:       source,
		Input:        input,
		State:        state,
		Requirements: requirements,
	}
	result, newState := w.call(ctx, req, p.timeout())

	p.checkin(w)

	if newState == nil {
		newState = state
	}
	return result, newState
}

// checkout hands back an idle live worker, spawning one when needed.
func (p *Pool) checkout(ctx context.Context) (*proc, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is shut down")
	}
	if p.terminal {
		p.mu.Unlock()
		return nil, fmt.Errorf("restart budget exhausted after %d restarts", p.restarts)
	}
	for len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if w.dead() || w.idleFor() > p.idleTimeout() {
			p.live--
			p.mu.Unlock()
			w.kill()
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		return w, nil
	}
	isRestart := p.restarts > 0 || p.live > 0
	p.mu.Unlock()

	w, err := spawn(ctx, p.cfg.BinaryPath, p.env, p.spawnTimeout())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if isRestart {
			p.restarts++
			if p.restarts > p.cfg.RestartBudget {
				p.terminal = true
				logging.Get(logging.CategoryWorker).Errorw("environment marked terminal",
					"env", p.env.Short(), "restarts", p.restarts)
			}
		}
		return nil, err
	}
	p.live++
	return w, nil
}

// checkin returns a worker to the idle set, charging the restart budget
// when it died mid-call.
func (p *Pool) checkin(w *proc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.dead() {
		p.live--
		p.restarts++
		if p.restarts > p.cfg.RestartBudget {
			p.terminal = true
			logging.Get(logging.CategoryWorker).Errorw("environment marked terminal",
				"env", p.env.Short(), "restarts", p.restarts)
		}
		return
	}
	if p.closed {
		go w.kill()
		return
	}
	p.idle = append(p.idle, w)
}

// Shutdown stops accepting calls and reaps every worker.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	workers := p.idle
	p.idle = nil
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			w.shutdown(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Terminal reports whether this environment has exhausted its restart
// budget and will never serve another call.
func (p *Pool) Terminal() bool { return p.isTerminal() }

func (p *Pool) isTerminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal
}

func (p *Pool) timeout() time.Duration {
	if d, err := time.ParseDuration(p.cfg.CallTimeout); err == nil && d > 0 {
		return d
	}
	return 60 * time.Second
}

func (p *Pool) idleTimeout() time.Duration {
	if d, err := time.ParseDuration(p.cfg.IdleTimeout); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}

func (p *Pool) spawnTimeout() time.Duration {
	if d, err := time.ParseDuration(p.cfg.SpawnTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}
