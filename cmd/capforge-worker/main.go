// capforge-worker is the out-of-process execution backend. The parent
// process speaks newline-delimited JSON over stdin/stdout; stderr carries
// logs only. One request line in, one response line out, until stdin
// closes or a shutdown request arrives.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"capforge/internal/attempt"
	"capforge/internal/config"
	"capforge/internal/guardrail"
	"capforge/internal/logging"
	"capforge/internal/outcome"
	"capforge/internal/sandbox"
	"capforge/internal/worker"
)

const maxRequestLine = 16 << 20

func main() {
	installLogger()
	log := logging.Get(logging.CategoryWorker)
	log.Infow("worker started", "env", os.Getenv("CAPFORGE_ENV_ID"), "pid", os.Getpid())

	checker := guardrail.NewChecker(config.GuardrailConfig{})

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), maxRequestLine)
	out := json.NewEncoder(os.Stdout)

	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}

		var req worker.Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Errorw("unparseable request line", "error", err)
			continue
		}

		switch req.Op {
		case worker.OpPing:
			respond(out, worker.ResponseFor(req.ID, outcome.OK("pong"), nil))

		case worker.OpShutdown:
			respond(out, worker.ResponseFor(req.ID, outcome.OK("bye"), nil))
			log.Infow("worker shutting down")
			return

		case worker.OpExecute:
			respond(out, execute(checker, req))

		default:
			respond(out, worker.ResponseFor(req.ID,
				outcome.Errf(outcome.ErrExecution, "unknown op %q", req.Op), nil))
		}
	}

	log.Infow("stdin closed, worker exiting")
}

// execute runs one program in a fresh interpreter against the state
// snapshot carried by the request. The request's declared requirements are
// resolved into the importable surface first; a requirement this runtime
// cannot provide fails typed before the program runs.
func execute(checker *guardrail.Checker, req worker.Request) worker.Response {
	timeout := 60 * time.Second
	if req.TimeoutMillis > 0 {
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}

	if err := sandbox.ResolveImports(req.Requirements); err != nil {
		return worker.ResponseFor(req.ID, outcome.FromError(err), nil)
	}

	state := attempt.NewState()
	if req.State != nil {
		state.Replace(req.State)
	}
	host := sandbox.NewHost(state, nil)

	exec := sandbox.New(checker.ForRequirements(req.Requirements), timeout)
	result := exec.Execute(context.Background(), req.Source, req.Input, host)

	resp := worker.ResponseFor(req.ID, result, state.Export())

	// The whole response has to survive the wire. A value that cannot be
	// marshaled is reported as a typed failure instead of a broken line.
	if _, err := json.Marshal(resp); err != nil {
		return worker.ResponseFor(req.ID,
			outcome.Errf(outcome.ErrNonSerializableResult, "result not serializable: %v", err),
			nil)
	}
	return resp
}

func respond(out *json.Encoder, resp worker.Response) {
	if err := out.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "capforge-worker: failed to write response: %v\n", err)
	}
}

// installLogger routes structured logs to stderr so stdout stays clean for
// the protocol.
func installLogger() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	logging.Install(zap.New(core))
}
