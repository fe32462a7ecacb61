package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

var ErrNoSimulator = errors.New("simulator path is required")

// Handle tracks one launched simulator process.
type Handle interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
}

// Launcher starts one simulator run against a scenario file. Launch returns
// as soon as the process is spawned.
type Launcher interface {
	Launch(ctx context.Context, dir, scenarioFile string) (Handle, error)
}

// ExecLauncher runs the simulator binary as an OS process with the scenario
// file as its last argument.
type ExecLauncher struct {
	Path   string
	Args   []string
	Logger *slog.Logger
}

func (l ExecLauncher) Launch(ctx context.Context, dir, scenarioFile string) (Handle, error) {
	if l.Path == "" {
		return nil, ErrNoSimulator
	}
	args := append(append([]string(nil), l.Args...), scenarioFile)
	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %s: %w", l.Path, scenarioFile, err)
	}
	h := newProcHandle()
	go func() {
		err := cmd.Wait()
		if err != nil && l.Logger != nil {
			l.Logger.Warn("simulator exited with error", "scenario", scenarioFile, "err", err)
		}
		h.finish(err)
	}()
	return h, nil
}

type procHandle struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newProcHandle() *procHandle {
	return &procHandle{done: make(chan struct{})}
}

func (h *procHandle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *procHandle) Done() <-chan struct{} { return h.done }

func (h *procHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// exitErr returns the handle's exit error if the process already finished.
func exitErr(h Handle) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return h.Err()
	default:
		return nil
	}
}
