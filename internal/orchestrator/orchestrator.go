// Package orchestrator drives the capability lifecycle: route the call,
// reuse a stored program when one is usable, otherwise generate one,
// validate it, execute it under an attempt scope, and repair failures
// within independent budgets before anything surfaces to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"capforge/internal/artifact"
	"capforge/internal/attempt"
	"capforge/internal/classify"
	"capforge/internal/config"
	"capforge/internal/contract"
	"capforge/internal/guardrail"
	"capforge/internal/lifecycle"
	"capforge/internal/logging"
	"capforge/internal/manifest"
	"capforge/internal/outcome"
	"capforge/internal/provider"
	"capforge/internal/sandbox"
	"capforge/internal/telemetry"
	"capforge/internal/worker"
)

// =============================================================================
// RUNTIME
// =============================================================================

// Call is one capability request.
type Call struct {
	Role      string
	Operation string
	Purpose   string
	Input     map[string]interface{}
	Contract  *contract.Contract
	SessionID string
}

// Result is the fully resolved call: the outcome plus the bookkeeping a
// caller or CLI may want to display.
type Result struct {
	Outcome      outcome.Outcome
	CallID       string
	VersionID    string
	CacheHit     bool
	MissReason   artifact.MissReason
	ProviderHits int
	Attempts     int
	Elapsed      time.Duration
}

// Runtime wires provider, guardrail, execution substrates, artifact store,
// and lifecycle into the synthesis loop.
type Runtime struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	provider   provider.Provider
	checker    *guardrail.Checker
	sandbox    *sandbox.Executor
	workers    *worker.Supervisor
	store      *artifact.Store
	selector   *artifact.Selector
	classifier *classify.Classifier
	lifecycle  *lifecycle.Manager
	telemetry  *telemetry.Store

	// sourcePolicy folds the import allowlist into worker environment
	// identity so a policy change never reuses a stale pool.
	sourcePolicy string

	mu       sync.Mutex
	sessions map[string]*attempt.State
	probed   map[string]bool
}

// New builds a runtime from configuration. The telemetry store may be nil.
func New(cfg *config.Config, p provider.Provider, store *artifact.Store, tel *telemetry.Store) *Runtime {
	checker := guardrail.NewChecker(cfg.Guardrail)
	heuristics := artifact.NewHeuristics(cfg.Store.Heuristics)
	return &Runtime{
		cfg:          cfg,
		dispatcher:   NewDispatcher(),
		provider:     p,
		checker:      checker,
		sandbox:      sandbox.New(checker, cfg.GetSandboxTimeout()),
		workers:      worker.NewSupervisor(cfg.Worker),
		store:        store,
		selector:     artifact.NewSelector(heuristics),
		classifier:   classify.New(),
		lifecycle:    lifecycle.NewManager(lifecycle.PolicyFromConfig(cfg.Lifecycle), nil),
		telemetry:    tel,
		sourcePolicy: strings.Join(checker.AllowedImports(), ","),
		sessions:     make(map[string]*attempt.State),
		probed:       make(map[string]bool),
	}
}

// Dispatcher exposes the host-operation table for wiring built-ins.
func (r *Runtime) Dispatcher() *Dispatcher { return r.dispatcher }

// Shutdown drains worker pools and closes the telemetry store.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.workers.Shutdown(ctx)
	if r.telemetry != nil {
		if cerr := r.telemetry.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// SessionState returns the shared state for a session, creating it on
// first use. The empty session ID maps to a default shared state.
func (r *Runtime) SessionState(sessionID string) *attempt.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		st = attempt.NewState()
		r.sessions[sessionID] = st
	}
	return st
}

// =============================================================================
// CALL PIPELINE
// =============================================================================

// Execute resolves one call end to end. Host operations run directly from
// the static table; everything else goes through select-or-generate,
// guarded execution, and budgeted repair. The returned outcome has been
// normalized for the caller boundary.
func (r *Runtime) Execute(ctx context.Context, call Call) Result {
	start := time.Now()
	res := Result{CallID: uuid.NewString()}
	state := r.SessionState(call.SessionID)
	log := logging.Get(logging.CategoryOrchestrator)

	if d := r.dispatcher.Resolve(call.Operation); d.Kind == KindHost {
		scope := attempt.Begin(state)
		out := d.Handler(ctx, call.Input, state)
		if out.IsOK() {
			_ = scope.Commit()
		} else {
			_ = scope.Rollback()
		}
		res.Outcome = out
		res.Attempts = 1
		res.Elapsed = time.Since(start)
		r.observe(call, res, "")
		return res
	}

	out := r.executeEmergent(ctx, call, state, &res)
	res.Outcome = outcome.NormalizeBoundary(out)
	res.Elapsed = time.Since(start)
	r.observe(call, res, res.VersionID)
	log.Debugw("call resolved",
		"capability", call.Role+"/"+call.Operation,
		"status", res.Outcome.Status,
		"cache_hit", res.CacheHit,
		"provider_hits", res.ProviderHits,
		"attempts", res.Attempts)
	return res
}

func (r *Runtime) executeEmergent(ctx context.Context, call Call, state *attempt.State, res *Result) outcome.Outcome {
	id := artifact.CapabilityID{Role: call.Role, Operation: call.Operation}
	rec, err := r.store.Load(id)
	if err != nil {
		return outcome.FromError(err)
	}
	if rec.Purpose == "" {
		rec.Purpose = call.Purpose
	}

	fp := call.Contract.Fingerprint()
	if rec.ContractFingerprint == "" {
		rec.ContractFingerprint = fp
	}

	ver, miss := r.selector.Select(rec, fp, r.environmentFor(rec))
	res.MissReason = miss
	if ver != nil {
		res.CacheHit = true
	} else {
		if miss == artifact.MissContractStale {
			rec.ContractFingerprint = fp
		}
		gen, fail := r.generate(ctx, rec, call, "", artifact.Trigger{
			Stage:   "generation",
			Message: string(miss),
		}, nil, res)
		if gen == nil {
			return fail
		}
		ver = gen
	}
	res.VersionID = ver.ID

	return r.runWithRepair(ctx, rec, ver, call, state, res)
}

// runWithRepair executes a version and spends the execution-repair and
// outcome-repair budgets on intrinsic and adaptive failures. Extrinsic
// failures pass through retriable without charging anything.
func (r *Runtime) runWithRepair(ctx context.Context, rec *artifact.Record, ver *artifact.Version, call Call, state *attempt.State, res *Result) outcome.Outcome {
	execBudget := r.cfg.Budgets.ExecutionRepair
	outcomeBudget := r.cfg.Budgets.OutcomeRepair

	for {
		res.Attempts++
		res.VersionID = ver.ID
		scope := attempt.Begin(state)
		before := state.Export()

		out := r.preflight(ctx, rec, ver)
		if out.IsOK() {
			out = r.runProgram(ctx, rec, ver, call.Input, state)
		}
		if out.IsOK() {
			checked := contract.Validate(call.Contract, out, call.Input)
			if checked.IsOK() {
				_ = scope.Commit()
				r.commitSuccess(rec, ver, call, before, state)
				return checked
			}
			_ = scope.Rollback()
			ver.Scorecard.Calls++
			ver.Scorecard.ContractFail++
			if outcomeBudget > 0 {
				outcomeBudget--
				next, fail := r.repair(ctx, rec, ver, call, "outcome_repair",
					"Previous program ran but its output violated the deliverable shape: "+checked.ErrorMessage, res)
				if next == nil {
					return fail
				}
				ver = next
				continue
			}
			ver.Scorecard.OutcomeRepairExhausted++
			r.persist(rec)
			return outcome.Errf(outcome.ErrOutcomeRepairRetryExhausted,
				"deliverable still malformed after repair").
				WithMeta("last_error", checked.ErrorMessage).
				WithMeta("attempts", res.Attempts)
		}

		_ = scope.Rollback()
		cls, _ := r.classifier.ClassifyOutcome(&out)
		switch cls.Origin {
		case classify.OriginExtrinsic:
			// The world failed, not the program. Hand the retriable
			// outcome to the caller untouched and keep the version's
			// standing intact.
			ver.Scorecard.BoundaryReferrals++
			r.persist(rec)
			return out.WithMeta("origin", string(cls.Origin))

		case classify.OriginAdaptive:
			ver.Scorecard.Calls++
			if outcomeBudget > 0 {
				outcomeBudget--
				next, fail := r.repair(ctx, rec, ver, call, "outcome_repair",
					"Previous program failed because an assumption about the environment went stale: "+out.ErrorMessage, res)
				if next == nil {
					return fail
				}
				ver = next
				continue
			}
			ver.Scorecard.OutcomeRepairExhausted++
			r.persist(rec)
			return outcome.Errf(outcome.ErrOutcomeRepairRetryExhausted,
				"stale-assumption repair budget spent").
				WithMeta("last_error", out.ErrorMessage).
				WithMeta("origin", string(cls.Origin)).
				WithMeta("attempts", res.Attempts)

		default: // intrinsic
			ver.Scorecard.Calls++
			if execBudget > 0 {
				execBudget--
				next, fail := r.repair(ctx, rec, ver, call, "execution_repair",
					fmt.Sprintf("Previous program failed at runtime (%s): %s", out.ErrorType, out.ErrorMessage), res)
				if next == nil {
					return fail
				}
				ver = next
				continue
			}
			r.demoteIfWarranted(rec, ver)
			r.persist(rec)
			final := outcome.Errf(out.ErrorType, "%s", out.ErrorMessage).
				WithMeta("origin", string(cls.Origin)).
				WithMeta("attempts", res.Attempts)
			return final
		}
	}
}

// repair regenerates the program with failure feedback, producing a child
// version linked to the one that failed. Intrinsic failures arrive here
// against the execution-repair budget; adaptive failures and contract
// violations share the outcome-repair budget, since both report a world
// that shifted under a previously valid program rather than a defect in it.
func (r *Runtime) repair(ctx context.Context, rec *artifact.Record, failed *artifact.Version, call Call, stage, feedback string, res *Result) (*artifact.Version, outcome.Outcome) {
	return r.generate(ctx, rec, call, feedback, artifact.Trigger{
		Stage:   stage,
		Message: feedback,
	}, failed, res)
}

// =============================================================================
// GENERATION
// =============================================================================

// generate runs the provider plus guardrail-recovery loop until a valid
// program is admitted or the guardrail budget is spent. charged, when
// non-nil, is the version whose scorecard absorbs a guardrail exhaustion.
func (r *Runtime) generate(ctx context.Context, rec *artifact.Record, call Call, feedback string, trig artifact.Trigger, charged *artifact.Version, res *Result) (*artifact.Version, outcome.Outcome) {
	log := logging.Get(logging.CategoryOrchestrator)
	budget := r.cfg.Budgets.GuardrailRecovery

	req := provider.Request{
		Role:            call.Role,
		Operation:       call.Operation,
		Purpose:         call.Purpose,
		Input:           call.Input,
		ContractSummary: summarizeContract(call.Contract),
		Feedback:        feedback,
		AllowedImports:  r.checker.ForRequirements(rec.Manifest.Names()).AllowedImports(),
	}

	pass := 0
	for {
		pass++
		prog, err := r.provider.GenerateProgram(ctx, req)
		res.ProviderHits++
		if err != nil {
			var ref *provider.Refusal
			if !errors.As(err, &ref) {
				return nil, outcome.Retriablef(outcome.ErrProvider, "program synthesis failed: %v", err)
			}
			v := r.checker.ClassifyRefusal(ref.Message)
			if v.Terminal {
				return nil, outcome.Errf(outcome.ErrCapabilityUnavailable,
					"provider declared the capability out of reach").
					WithMeta("refusal", ref.Message)
			}
			if budget == 0 {
				return nil, r.guardrailExhausted(rec, charged, pass,
					"provider kept refusing: "+ref.Message)
			}
			budget--
			req.Feedback = "Your previous reply was a refusal: " + ref.Message +
				"\nThe capability is expected to be feasible with the allowed surface. Produce the program."
			continue
		}

		m, err := manifest.Normalize(prog.Requirements)
		if err != nil {
			return nil, outcome.FromError(err)
		}
		if err := manifest.CheckPolicy(m, r.cfg.Guardrail.DeniedRequirements); err != nil {
			return nil, outcome.FromError(err)
		}
		if err := manifest.CheckMonotonic(rec.Manifest, m); err != nil {
			return nil, outcome.FromError(err)
		}

		// A program may import what its manifest declares, so the check runs
		// against the allowlist extended with the merged requirement set.
		candidate := manifest.Merge(rec.Manifest, m)
		report := r.checker.ForRequirements(candidate.Names()).Check(prog.Source)
		if report.Valid {
			prevEnv := r.environmentFor(rec)
			rec.Manifest = candidate
			if newEnv := r.environmentFor(rec); prevEnv != "" && newEnv != prevEnv {
				// The manifest grew, so the program moves to a new worker
				// environment. Session state crosses over as a snapshot and
				// must survive the serialization boundary.
				state := r.SessionState(call.SessionID)
				migrated, err := r.workers.Migrate(ctx,
					worker.EnvironmentID(prevEnv), worker.EnvironmentID(newEnv), state.Export())
				if err != nil {
					return nil, outcome.FromError(err)
				}
				state.Replace(migrated)
			}
			v := artifact.Version{
				ID:      uuid.NewString(),
				Source:  prog.Source,
				Trigger: trig,
			}
			if !rec.Manifest.Empty() {
				v.EnvironmentID = r.environmentFor(rec)
			}
			r.selector.Admit(&v, call.Input)
			stored := rec.AddVersion(v)
			r.persist(rec)
			log.Infow("program admitted",
				"capability", rec.ID.String(),
				"version", stored.ID,
				"cacheable", stored.Cacheable,
				"trigger", trig.Stage)
			return stored, outcome.Outcome{}
		}

		fb := guardrail.NewFeedback(report, pass, budget)
		if fb.HasTerminal() {
			return nil, outcome.Errf(outcome.ErrCapabilityUnavailable,
				"generated program declared the capability out of reach").
				WithMeta("violations", report.Violations)
		}
		if budget == 0 {
			return nil, r.guardrailExhausted(rec, charged, pass, fb.Format()).
				WithMeta("violations", report.Violations)
		}
		budget--
		req.Feedback = fb.Format()
	}
}

func (r *Runtime) guardrailExhausted(rec *artifact.Record, charged *artifact.Version, passes int, detail string) outcome.Outcome {
	if charged != nil {
		charged.Scorecard.GuardrailExhausted++
	}
	r.persist(rec)
	return outcome.Errf(outcome.ErrGuardrailRetryExhausted,
		"generated code failed validation after %d passes", passes).
		WithMeta("last_feedback", detail)
}

func summarizeContract(c *contract.Contract) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	if len(c.RequiredKeys) > 0 {
		fmt.Fprintf(&b, "result object must contain keys %s", strings.Join(c.RequiredKeys, ", "))
	}
	for key, min := range c.MinItems {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%q must hold at least %d items", key, min)
	}
	if c.RequiredInput != "" {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "a non-empty result is required whenever input %q is present", c.RequiredInput)
	}
	return b.String()
}

// =============================================================================
// EXECUTION SUBSTRATES
// =============================================================================

// runProgram picks the substrate: dependency-free programs run in the
// in-process sandbox; anything with a manifest goes to the worker pool for
// its environment identity.
func (r *Runtime) runProgram(ctx context.Context, rec *artifact.Record, ver *artifact.Version, input map[string]interface{}, state *attempt.State) outcome.Outcome {
	if rec.Manifest.Empty() {
		host := sandbox.NewHost(state, r.hostInvoke(ctx, state))
		return r.sandbox.Execute(ctx, ver.Source, input, host)
	}

	pool := r.workers.PoolFor(worker.EnvironmentID(r.environmentFor(rec)))
	out, newState := pool.Execute(ctx, ver.Source, rec.Manifest.Names(), input, state.Export())
	if out.IsOK() {
		state.Replace(newState)
	}
	return out
}

// hostInvoke bridges hostapi.Invoke calls from generated programs back
// into the static host-operation table.
func (r *Runtime) hostInvoke(ctx context.Context, state *attempt.State) sandbox.InvokeFunc {
	return func(op string, args map[string]interface{}) (interface{}, error) {
		d := r.dispatcher.Resolve(op)
		if d.Kind != KindHost {
			return nil, &outcome.Error{
				Type:    outcome.ErrCapabilityUnavailable,
				Message: fmt.Sprintf("no host operation named %q", op),
			}
		}
		out := d.Handler(ctx, args, state)
		if out.IsError() {
			return nil, &outcome.Error{
				Type:      out.ErrorType,
				Message:   out.ErrorMessage,
				Retriable: out.Retriable,
			}
		}
		return out.Value, nil
	}
}

func (r *Runtime) environmentFor(rec *artifact.Record) string {
	if rec.Manifest.Empty() {
		return ""
	}
	return string(worker.Identity(r.cfg.Worker.RuntimeVersion, r.sourcePolicy, &rec.Manifest))
}

// =============================================================================
// BOOKKEEPING
// =============================================================================

// commitSuccess updates the scorecard, shared-key coherence evidence, and
// the promotion lifecycle after a committed call.
func (r *Runtime) commitSuccess(rec *artifact.Record, ver *artifact.Version, call Call, before map[string]interface{}, state *attempt.State) {
	sc := &ver.Scorecard
	sc.Calls++
	sc.Successes++
	if call.Contract != nil {
		sc.ContractPass++
	}
	sc.RecordSession(call.SessionID)

	// Writes to keys already in the session or in the capability's known
	// vocabulary count as agreement with the siblings that established them.
	after := state.Export()
	for key, val := range after {
		prev, existed := before[key]
		if existed && reflect.DeepEqual(prev, val) {
			continue
		}
		sc.SharedKeyTotal++
		if existed || rec.KnowsKey(key) {
			sc.SharedKeyAgreements++
		}
		rec.NoteKey(key)
	}

	if ver.Stage == artifact.StageCandidate {
		r.lifecycle.OnFirstCommit(ver)
	}
	if ver.Stage == artifact.StageProbation {
		r.lifecycle.Evaluate(rec, ver)
	}
	r.demoteIfWarranted(rec, ver)

	rec.TotalCalls++
	r.persist(rec)
}

func (r *Runtime) demoteIfWarranted(rec *artifact.Record, ver *artifact.Version) {
	reason, ok := r.lifecycle.ShouldDemote(ver)
	if !ok {
		return
	}
	if r.lifecycle.Demote(rec, ver, reason) {
		if prior := r.lifecycle.Rollback(rec, ver.ID); prior != nil {
			logging.Get(logging.CategoryOrchestrator).Infow("rolled back to prior durable version",
				"capability", rec.ID.String(), "version", prior.ID)
		}
	}
}

func (r *Runtime) persist(rec *artifact.Record) {
	if err := r.store.Save(rec); err != nil {
		logging.Get(logging.CategoryStore).Errorw("artifact save failed",
			"capability", rec.ID.String(), "error", err)
	}
}

func (r *Runtime) observe(call Call, res Result, versionID string) {
	if r.telemetry == nil {
		return
	}
	err := r.telemetry.RecordOutcome(res.CallID, call.SessionID, call.Role, call.Operation,
		versionID, res.Outcome, res.Attempts, res.ProviderHits, res.Elapsed)
	if err != nil {
		logging.Get(logging.CategoryTelemetry).Warnw("execution record dropped", "error", err)
	}
}
