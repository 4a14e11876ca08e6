package rhino3d

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/log"
	"golang.org/x/sys/unix"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
)

// State is a Worker's lifecycle state, see spec §3 Worker.state.
type State int

const (
	// Starting is set the moment the subprocess is launched.
	Starting State = iota
	// Ready is set once /healthcheck has returned 2xx at least once.
	Ready
	// Dead is terminal: the worker is reaped and no longer tracked.
	Dead
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Worker is the record of a spawned geometry worker: its OS process
// handle, bound port, lifecycle state, and last-used timestamp.
type Worker struct {
	log log.Logger

	Port      int
	SpawnedAt time.Time

	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu          sync.Mutex
	state       State
	unreachable bool
	lastUsed    time.Time
}

// buildWorkerArgs constructs the worker command-line contract exactly as
// spec §6 specifies it, bit for bit.
func buildWorkerArgs(cfg *config.Config, port int) []string {
	args := []string{
		fmt.Sprintf("-port:%d", port),
		fmt.Sprintf("-childof:%d", os.Getpid()),
	}
	if cfg.RhinoSysDir != "" {
		args = append(args, "-rhinosysdir", cfg.RhinoSysDir)
	}
	if cfg.ParentPort > 0 && cfg.ChildIdleSpan > time.Second {
		args = append(args,
			fmt.Sprintf("-parentport:%d", cfg.ParentPort),
			fmt.Sprintf("-idlespan:%d", int(cfg.ChildIdleSpan.Seconds())),
		)
	}
	return args
}

// startWorker launches the worker subprocess. This is the only
// lock-held-but-non-blocking part of spawning: exec.Cmd.Start() forks and
// execs without waiting on the child, so it is safe to call while holding
// the registry lock (see Registry.TrySpawn in registry.go).
func startWorker(logger log.Logger, cfg *config.Config, port int) (*Worker, error) {
	args := buildWorkerArgs(cfg, port)
	cmd := exec.Command(cfg.WorkerExecutablePath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// New process group so any subprocesses the worker spawns can be
		// killed alongside it.
		Setpgid: true,
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	w := &Worker{
		log:       logger.With(log.Int("port", port)),
		Port:      port,
		SpawnedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		state:     Starting,
	}

	if err := cmd.Start(); err != nil {
		close(w.done)
		return nil, fmt.Errorf("rhino3d: spawning worker on port %d: %w", port, err)
	}

	w.pid = cmd.Process.Pid
	w.log = w.log.With(log.Int("pid", w.pid))
	w.log.Info("worker started")

	go w.watch()

	return w, nil
}

// watch waits for the subprocess to exit and closes done, which Exited
// observes. Mirrors the teacher's worker.watch, minus stdout/stderr
// piping: the geometry worker's own logs go straight to the dispatcher's
// stdout/stderr above.
func (w *Worker) watch() {
	_ = w.cmd.Wait()
	close(w.done)
}

// Exited reports whether the subprocess has terminated.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// MarkUnreachable flags the worker as having failed a probe_busy call with
// Unreachable; the next reap pass will kill and demote it.
func (w *Worker) MarkUnreachable() {
	w.mu.Lock()
	w.unreachable = true
	w.mu.Unlock()
}

// consumeUnreachable reports and clears the unreachable flag.
func (w *Worker) consumeUnreachable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.unreachable
	w.unreachable = false
	return v
}

// Touch stamps the worker as used just now.
func (w *Worker) Touch() {
	w.mu.Lock()
	w.lastUsed = time.Now()
	w.mu.Unlock()
}

// LastUsed returns the last time the worker was handed out.
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// Kill forcibly terminates the worker's process and its process group.
func (w *Worker) Kill() {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	// Look the group up before killing the leader: once watch has reaped
	// it, Getpgid on its pid fails.
	pgid, pgidErr := unix.Getpgid(w.pid)
	if err := w.cmd.Process.Kill(); err != nil {
		w.log.Warn("killing worker process", log.Error(err))
	}
	if pgidErr == nil {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
}

// PID returns the worker's process ID.
func (w *Worker) PID() int { return w.pid }
