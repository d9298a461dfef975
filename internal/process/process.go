// Package process spawns OS processes and reports on them by polling.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Handle is a spawned process. IsAlive never blocks; once it reports false
// CompletedOK, ExitCode and Stderr are final.
type Handle interface {
	Name() string
	Pid() int
	Args() []string
	IsAlive() bool
	CompletedOK() bool
	ExitCode() int
	Stderr() string
	// Kill stops the process without waiting for it to exit.
	Kill() error
}

type Spawner interface {
	Spawn(name string, args []string) (Handle, error)
}

// stderrLimit bounds how much of a child's stderr is kept for logging.
const stderrLimit = 4096

type ExecSpawner struct {
	Env []string
}

func (sp ExecSpawner) Spawn(name string, args []string) (Handle, error) {
	if len(args) == 0 {
		return nil, errors.New("no command given")
	}
	cmd := exec.Command(args[0], args[1:]...)
	if sp.Env != nil {
		cmd.Env = sp.Env
	}
	proc := &execHandle{name: name, args: args, cmd: cmd}
	cmd.Stderr = &proc.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed starting %s: %w", args[0], err)
	}
	go proc.wait()
	return proc, nil
}

type execHandle struct {
	name     string
	args     []string
	cmd      *exec.Cmd
	stderr   tailBuffer
	done     atomic.Bool
	exitCode int
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	h.exitCode = code
	h.done.Store(true)
}

func (h *execHandle) Name() string {
	return h.name
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Args() []string {
	return h.args
}

func (h *execHandle) IsAlive() bool {
	return !h.done.Load()
}

func (h *execHandle) CompletedOK() bool {
	return h.done.Load() && h.exitCode == 0
}

func (h *execHandle) ExitCode() int {
	if !h.done.Load() {
		return 0
	}
	return h.exitCode
}

func (h *execHandle) Stderr() string {
	return h.stderr.String()
}

func (h *execHandle) Kill() error {
	if h.done.Load() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed killing %s: %w", h.name, err)
	}
	return nil
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > stderrLimit {
		b.data = b.data[len(b.data)-stderrLimit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
