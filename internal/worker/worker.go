package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"capforge/internal/logging"
	"capforge/internal/outcome"
)

// procState tracks a worker subprocess through its life.
type procState int

const (
	procIdle procState = iota
	procBusy
	procDead
)

// proc is one worker subprocess. All calls are serialized; the pool owns
// concurrency.
type proc struct {
	mu       sync.Mutex
	id       string
	env      EnvironmentID
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Scanner
	state    procState
	lastUsed time.Time
	spawned  time.Time
}

// maxResponseLine bounds a single response line. Results bigger than this
// fail as non-serializable rather than wedging the scanner.
const maxResponseLine = 16 << 20

// spawn starts the worker binary and waits for a ping response.
func spawn(ctx context.Context, binary string, env EnvironmentID, spawnTimeout time.Duration) (*proc, error) {
	log := logging.Get(logging.CategoryWorker)

	cmd := exec.Command(binary)
	cmd.Env = append(cmd.Environ(), "CAPFORGE_ENV_ID="+string(env))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)

	p := &proc{
		id:       uuid.NewString(),
		env:      env,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   scanner,
		state:    procIdle,
		lastUsed: time.Now(),
		spawned:  time.Now(),
	}

	pingReq := Request{ID: uuid.NewString(), Op: OpPing}
	ping, err := json.Marshal(pingReq)
	if err != nil {
		p.kill()
		return nil, fmt.Errorf("marshal ping: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()
	resp, err := p.roundTrip(pingCtx, ping, pingReq.ID)
	if err != nil {
		p.kill()
		return nil, fmt.Errorf("worker failed liveness check: %w", err)
	}
	if resp.Status != outcome.StatusOK {
		p.kill()
		return nil, fmt.Errorf("worker ping rejected: %s", resp.ErrorMessage)
	}

	log.Debugw("worker spawned", "worker", p.id, "env", env.Short(), "pid", cmd.Process.Pid)
	return p, nil
}

// call executes one program in the worker. The returned state is the
// worker's post-execution snapshot.
func (p *proc) call(ctx context.Context, req Request, timeout time.Duration) (outcome.Outcome, map[string]interface{}) {
	// Marshal before any I/O. An unencodable argument is the caller's
	// defect, not a worker failure, and must not cost the process.
	req.TimeoutMillis = timeout.Milliseconds()
	payload, err := json.Marshal(req)
	if err != nil {
		return outcome.Errf(outcome.ErrNonSerializableResult, "request is not JSON-serializable: %v", err), nil
	}

	p.mu.Lock()
	if p.state == procDead {
		p.mu.Unlock()
		return outcome.Retriablef(outcome.ErrWorkerCrashed, "worker %s is dead", p.id), nil
	}
	p.state = procBusy
	p.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.roundTrip(callCtx, payload, req.ID)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUsed = time.Now()

	if err != nil {
		// A broken pipe or unparseable line means the process is gone or
		// insane; either way it never serves another call.
		p.state = procDead
		p.killLocked()
		go func() { _ = p.cmd.Wait() }()
		if callCtx.Err() == context.DeadlineExceeded {
			return outcome.Retriablef(outcome.ErrTimeout, "worker call exceeded %s", timeout), nil
		}
		return outcome.Retriablef(outcome.ErrWorkerCrashed, "worker %s failed mid-call: %v", p.id, err), nil
	}

	p.state = procIdle
	return resp.Outcome(), resp.State
}

// roundTrip writes one request line and reads one response line.
func (p *proc) roundTrip(ctx context.Context, payload []byte, reqID string) (Response, error) {
	type lineResult struct {
		resp Response
		err  error
	}
	done := make(chan lineResult, 1)

	go func() {
		if _, err := p.stdin.Write(append(payload, '\n')); err != nil {
			done <- lineResult{err: fmt.Errorf("write request: %w", err)}
			return
		}
		if !p.stdout.Scan() {
			err := p.stdout.Err()
			if err == nil {
				err = io.EOF
			}
			done <- lineResult{err: fmt.Errorf("read response: %w", err)}
			return
		}
		var resp Response
		if err := json.Unmarshal(p.stdout.Bytes(), &resp); err != nil {
			done <- lineResult{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		done <- lineResult{resp: resp}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Response{}, res.err
		}
		if res.resp.ID != reqID {
			return Response{}, fmt.Errorf("response id mismatch: sent %s, got %s", reqID, res.resp.ID)
		}
		return res.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// shutdown asks the worker to exit and reaps it, escalating to kill when
// it ignores the request.
func (p *proc) shutdown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == procDead {
		return
	}
	p.state = procDead

	payload, _ := json.Marshal(Request{ID: uuid.NewString(), Op: OpShutdown})
	_, _ = p.stdin.Write(append(payload, '\n'))
	_ = p.stdin.Close()

	waited := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		p.killLocked()
		<-waited
	}
}

func (p *proc) kill() {
	p.mu.Lock()
	p.state = procDead
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.mu.Unlock()
	_ = p.cmd.Wait()
}

// killLocked signals the process without reaping; a Wait is already in
// flight on this path.
func (p *proc) killLocked() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// idleFor reports how long the worker has been unused.
func (p *proc) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastUsed)
}

func (p *proc) dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == procDead
}
