package orchestrator

import (
	"context"
	"strings"

	"capforge/internal/artifact"
	"capforge/internal/attempt"
	"capforge/internal/classify"
	"capforge/internal/logging"
	"capforge/internal/outcome"
	"capforge/internal/sandbox"
)

// probeInputs is the fixed suite thrown at a fresh program: the empty
// request and an oversized one. A program that crashes on either will
// crash on real traffic soon enough.
var probeInputs = []map[string]interface{}{
	{},
	{"payload": strings.Repeat("x", 1<<16)},
}

// preflight probes a version that has not served a call yet. Probes run
// against throwaway state so they cannot leak into the session; only
// intrinsic failures fail the probe, since the empty input legitimately
// trips host-operation and upstream errors.
func (r *Runtime) preflight(ctx context.Context, rec *artifact.Record, ver *artifact.Version) outcome.Outcome {
	if !r.cfg.Sandbox.ProbeNewVersions || !rec.Manifest.Empty() {
		return outcome.OK(nil)
	}
	r.mu.Lock()
	done := r.probed[ver.ID]
	r.mu.Unlock()
	if done {
		return outcome.OK(nil)
	}

	for _, input := range probeInputs {
		host := sandbox.NewHost(attempt.NewState(), nil)
		out := r.sandbox.Execute(ctx, ver.Source, input, host)
		if out.IsError() {
			cls, _ := r.classifier.ClassifyOutcome(&out)
			if cls.Origin == classify.OriginIntrinsic {
				logging.Get(logging.CategoryOrchestrator).Warnw("probe crashed fresh version",
					"capability", rec.ID.String(), "version", ver.ID, "error", out.ErrorMessage)
				return outcome.Errf(outcome.ErrExecution,
					"probe input crashed the program: %s", out.ErrorMessage)
			}
		}
	}

	r.mu.Lock()
	r.probed[ver.ID] = true
	r.mu.Unlock()
	return outcome.OK(nil)
}
