package rhino3d

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/log"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
	"github.com/mcneel/compute-geometry-dispatcher/internal/metrics"
)

// Registry is the authoritative in-memory Pool (spec §3), partitioned by
// lifecycle state. Every membership and state transition happens under a
// single mutex, but network probes do not: ScanFree and PromoteIfReady
// probe workers outside the lock (see DESIGN.md, "split lock").
type Registry struct {
	log     log.Logger
	cfg     *config.Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	workers map[int]*Worker // keyed by port, I1
	order   []int           // Ready insertion order, for deterministic scan
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger log.Logger, cfg *config.Config, m *metrics.Metrics) *Registry {
	return &Registry{
		log:     logger,
		cfg:     cfg,
		metrics: m,
		workers: make(map[int]*Worker),
	}
}

// portInUseLocked reports whether a non-Dead worker already owns port.
// Must be called with mu held.
func (r *Registry) portInUseLocked(port int) bool {
	w, ok := r.workers[port]
	return ok && w.State() != Dead
}

// nonDeadCountLocked returns count(non-Dead workers), I2's left side.
func (r *Registry) nonDeadCountLocked() int {
	n := 0
	for _, w := range r.workers {
		if w.State() != Dead {
			n++
		}
	}
	return n
}

// hasStartingLocked reports whether any worker is currently Starting, I3.
func (r *Registry) hasStartingLocked() bool {
	for _, w := range r.workers {
		if w.State() == Starting {
			return true
		}
	}
	return false
}

// TrySpawn attempts to reserve a port and launch a worker subprocess,
// enforcing I2 (cap) and I3 (serialized spawn). The subprocess start
// itself happens while the lock is held (non-blocking per spec §5); the
// caller is responsible for polling readiness outside the lock.
func (r *Registry) TrySpawn(ports *PortAllocator, logger log.Logger) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasStartingLocked() {
		return nil, false
	}
	if r.nonDeadCountLocked() >= r.cfg.SpawnCount {
		return nil, false
	}

	port, err := ports.Allocate(r.portInUseLocked)
	if err != nil {
		r.log.Warn("spawn: no free port", log.Error(err))
		return nil, false
	}

	w, err := startWorker(logger, r.cfg, port)
	if err != nil {
		r.log.Error("spawn: exec failed", log.Error(err))
		return nil, false
	}

	r.workers[port] = w
	if r.metrics != nil {
		r.metrics.WorkerSpawns.Inc()
		r.metrics.SetPoolSize(r.nonDeadCountLocked())
	}
	return w, true
}

// PromoteIfReady probes a Starting worker and, if ready, transitions it to
// Ready (Starting → Ready, I4). If the worker has exceeded spawnTimeout
// without becoming ready it is killed and marked Dead, returning
// ErrSpawnTimeout so the caller can log/count it. Returns (promoted, err).
func (r *Registry) PromoteIfReady(ctx context.Context, w *Worker, probe *ProbeClient, spawnTimeout time.Duration) (bool, error) {
	if probe.ProbeReady(ctx, w.Port) {
		r.mu.Lock()
		if w.State() == Starting {
			w.setState(Ready)
			r.order = append(r.order, w.Port)
			if r.metrics != nil {
				r.metrics.SetPoolSize(r.nonDeadCountLocked())
			}
		}
		r.mu.Unlock()
		return true, nil
	}

	if time.Since(w.SpawnedAt) > spawnTimeout {
		w.Kill()
		r.mu.Lock()
		w.setState(Dead)
		r.removeFromOrderLocked(w.Port)
		if r.metrics != nil {
			r.metrics.SetPoolSize(r.nonDeadCountLocked())
		}
		r.mu.Unlock()
		return false, fmt.Errorf("%w: port %d", ErrSpawnTimeout, w.Port)
	}

	return false, nil
}

// startingWorkers returns a snapshot of workers currently Starting.
func (r *Registry) startingWorkers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Worker
	for _, w := range r.workers {
		if w.State() == Starting {
			out = append(out, w)
		}
	}
	return out
}

// SnapshotReady returns Ready workers in insertion order (deterministic
// "prefer the oldest worker" scan order per spec §4.5).
func (r *Registry) SnapshotReady() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.order))
	for _, port := range r.order {
		if w, ok := r.workers[port]; ok && w.State() == Ready {
			out = append(out, w)
		}
	}
	return out
}

// ScanFree scans Ready workers in insertion order and returns the first
// one whose /isbusy reports Free. A worker found Unreachable is flagged
// for the next reap pass, per spec §4.4/§4.5.
func (r *Registry) ScanFree(ctx context.Context, probe *ProbeClient) (*Worker, bool) {
	for _, w := range r.SnapshotReady() {
		switch probe.ProbeBusy(ctx, w.Port) {
		case Free:
			w.Touch()
			return w, true
		case Unreachable:
			w.MarkUnreachable()
		}
	}
	return nil, false
}

// Reap removes workers whose process has exited and demotes Ready workers
// flagged Unreachable to Dead, killing their process first if still
// running (spec §4.4).
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port, w := range r.workers {
		if w.State() == Dead {
			delete(r.workers, port)
			r.removeFromOrderLocked(port)
			continue
		}
		if w.Exited() {
			w.setState(Dead)
			r.log.Info("reaped exited worker", log.Int("port", port))
			delete(r.workers, port)
			r.removeFromOrderLocked(port)
			continue
		}
		if w.State() == Ready && w.consumeUnreachable() {
			w.Kill()
			w.setState(Dead)
			if r.metrics != nil {
				r.metrics.WorkerRestarts.Inc()
			}
			r.log.Warn("reaped unreachable worker", log.Int("port", port))
			delete(r.workers, port)
			r.removeFromOrderLocked(port)
		}
	}

	if r.metrics != nil {
		r.metrics.SetPoolSize(r.nonDeadCountLocked())
	}
}

func (r *Registry) removeFromOrderLocked(port int) {
	for i, p := range r.order {
		if p == port {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// NonDeadCount returns count(non-Dead workers), exported for the
// lifecycle controller.
func (r *Registry) NonDeadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonDeadCountLocked()
}

// HasStarting reports whether a spawn is currently in flight.
func (r *Registry) HasStarting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasStartingLocked()
}

// KillNewest removes the most recently spawned worker to enforce the cap
// (spec §4.6 step 3): prefer a Starting worker, else the newest Ready one.
func (r *Registry) KillNewest() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victim *Worker
	for _, w := range r.workers {
		if w.State() == Dead {
			continue
		}
		if w.State() == Starting {
			victim = w
			break
		}
		if victim == nil || w.SpawnedAt.After(victim.SpawnedAt) {
			victim = w
		}
	}
	if victim == nil {
		return
	}

	victim.Kill()
	victim.setState(Dead)
	delete(r.workers, victim.Port)
	r.removeFromOrderLocked(victim.Port)
	r.log.Info("killed worker to enforce cap", log.Int("port", victim.Port))

	if r.metrics != nil {
		r.metrics.SetPoolSize(r.nonDeadCountLocked())
	}
}

// Shutdown kills every tracked worker, used on dispatcher shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.State() != Dead {
			w.Kill()
			w.setState(Dead)
		}
	}
}

// Snapshot is a point-in-time view of one tracked worker, for
// introspection endpoints.
type Snapshot struct {
	Port      int
	State     string
	SpawnedAt time.Time
	LastUsed  time.Time
	PID       int
}

// Snapshot returns a point-in-time view of every tracked worker.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, Snapshot{
			Port:      w.Port,
			State:     w.State().String(),
			SpawnedAt: w.SpawnedAt,
			LastUsed:  w.LastUsed(),
			PID:       w.PID(),
		})
	}
	return out
}
