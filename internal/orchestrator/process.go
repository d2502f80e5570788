package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/model"
)

// ProcessBackend runs each worker as a local child process. The worker
// binary receives its configuration blob as JSON on stdin. Capacity is the
// number of concurrently running workers.
type ProcessBackend struct {
	command    string
	args       []string
	maxWorkers int

	mu      sync.Mutex
	running map[string]*workerProc // handle -> process
}

type workerProc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func NewProcessBackend(command string, args []string, maxWorkers int) *ProcessBackend {
	return &ProcessBackend{
		command:    command,
		args:       args,
		maxWorkers: maxWorkers,
		running:    make(map[string]*workerProc),
	}
}

func (b *ProcessBackend) Start(ctx context.Context, sessionID string, cfg model.WorkerConfig) (string, error) {
	if reason := ValidateConfig(cfg); reason != "" {
		return "", apperrors.InvalidConfig(reason)
	}

	blob, err := json.Marshal(cfg)
	if err != nil {
		return "", apperrors.InvalidConfig(err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxWorkers > 0 && b.liveCountLocked() >= b.maxWorkers {
		return "", apperrors.CapacityExhausted()
	}

	cmd := exec.Command(b.command, b.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", apperrors.BackendUnreachable(err)
	}

	if err := cmd.Start(); err != nil {
		return "", apperrors.BackendUnreachable(err)
	}

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(blob); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to write worker config to stdin")
		}
	}()

	handle := fmt.Sprintf("proc-%d-%s", cmd.Process.Pid, uuid.NewString()[:8])
	proc := &workerProc{cmd: cmd, done: make(chan struct{})}
	b.running[handle] = proc

	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	log.Info().
		Str("sessionId", sessionID).
		Str("handle", handle).
		Int("pid", cmd.Process.Pid).
		Msg("worker process started")

	return handle, nil
}

// liveCountLocked counts workers that have not exited. Exited entries stay
// in the map until Stop so Inspect can still report how they ended, but
// they no longer occupy capacity.
func (b *ProcessBackend) liveCountLocked() int {
	n := 0
	for _, proc := range b.running {
		select {
		case <-proc.done:
		default:
			n++
		}
	}
	return n
}

func (b *ProcessBackend) Stop(ctx context.Context, handle string) error {
	b.mu.Lock()
	proc, ok := b.running[handle]
	if ok {
		delete(b.running, handle)
	}
	b.mu.Unlock()

	// Unknown or already-stopped handles are an Ack, not an error.
	if !ok {
		return nil
	}

	select {
	case <-proc.done:
		return nil
	default:
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone between the check and the signal.
		return nil
	}

	select {
	case <-proc.done:
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
	}

	log.Info().Str("handle", handle).Msg("worker process stopped")
	return nil
}

func (b *ProcessBackend) Inspect(ctx context.Context, handle string) (model.Liveness, error) {
	b.mu.Lock()
	proc, ok := b.running[handle]
	b.mu.Unlock()

	if !ok {
		return model.LivenessUnknown, nil
	}

	select {
	case <-proc.done:
		if proc.err != nil {
			return model.LivenessExitedError, nil
		}
		return model.LivenessExitedOK, nil
	default:
		return model.LivenessRunning, nil
	}
}

var _ Facade = (*ProcessBackend)(nil)
