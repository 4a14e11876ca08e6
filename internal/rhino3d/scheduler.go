package rhino3d

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/log"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
	"github.com/mcneel/compute-geometry-dispatcher/internal/metrics"
)

const (
	acquireBudget    = 60 * time.Second
	spawnTimeout     = 180 * time.Second
	acquirePollSleep = 500 * time.Millisecond
)

// Endpoint is the (host, port) AcquireWorker hands back to the caller.
type Endpoint struct {
	Host string
	Port int
}

// Scheduler implements AcquireWorker (spec §4.5): select a free worker,
// spawn one up to the cap, or wait, subject to a bounded timeout.
type Scheduler struct {
	log      log.Logger
	cfg      *config.Config
	registry *Registry
	ports    *PortAllocator
	probe    *ProbeClient
	clock    *ActivityClock
	metrics  *metrics.Metrics

	used atomic.Bool // set true on the first AcquireWorker call
}

// NewScheduler constructs a Scheduler.
func NewScheduler(logger log.Logger, cfg *config.Config, registry *Registry, ports *PortAllocator, probe *ProbeClient, clock *ActivityClock, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		log:      logger,
		cfg:      cfg,
		registry: registry,
		ports:    ports,
		probe:    probe,
		clock:    clock,
		metrics:  m,
	}
}

// EverUsed reports whether AcquireWorker has ever been called, consulted
// by the LifecycleController's floor-enforcement rule (spec §4.6).
func (s *Scheduler) EverUsed() bool {
	return s.used.Load()
}

// AcquireWorker returns a worker endpoint for a Ready worker currently
// reporting Free. It fails with ErrNoWorkerAvailable after a 60s bounded
// wait. See spec §4.5 for the full algorithm.
func (s *Scheduler) AcquireWorker(ctx context.Context) (Endpoint, error) {
	s.used.Store(true)
	s.clock.UpdateLastCall()

	start := time.Now()
	deadline := start.Add(acquireBudget)

	for {
		s.tick(ctx)

		if w, ok := s.registry.ScanFree(ctx, s.probe); ok {
			if s.metrics != nil {
				s.metrics.ObserveAcquireWait(time.Since(start))
			}
			return Endpoint{Host: "localhost", Port: w.Port}, nil
		}

		spawned := false
		if s.registry.NonDeadCount() < s.cfg.SpawnCount && !s.registry.HasStarting() {
			if _, ok := s.registry.TrySpawn(s.ports, s.log); ok {
				spawned = true
			}
		}

		if time.Now().After(deadline) {
			return Endpoint{}, ErrNoWorkerAvailable
		}

		if !spawned {
			time.Sleep(acquirePollSleep)
		}
	}
}

// tick runs one reap + promote pass: under the registry lock (held inside
// Reap/PromoteIfReady individually), remove dead workers and promote any
// Starting worker whose readiness probe now succeeds (spec §4.5 step a).
func (s *Scheduler) tick(ctx context.Context) {
	s.registry.Reap()
	for _, w := range s.registry.startingWorkers() {
		if _, err := s.registry.PromoteIfReady(ctx, w, s.probe, spawnTimeout); err != nil {
			s.log.Error("spawn timeout", log.Error(err))
			if s.metrics != nil {
				s.metrics.SpawnFailures.Inc()
			}
		}
	}
}

// SpawnBlocking performs one blocking spawn: launch a worker and poll
// probe_ready every 500ms until ready or the 180s budget elapses (spec
// §4.3 wait_until_ready, used by SpawnOnStartup). Unlike AcquireWorker's
// non-blocking spawn-and-loop, this is a dedicated helper for startup.
func (s *Scheduler) SpawnBlocking(ctx context.Context) error {
	w, ok := s.registry.TrySpawn(s.ports, s.log)
	if !ok {
		return ErrNoWorkerAvailable
	}

	deadline := time.Now().Add(spawnTimeout)
	for {
		promoted, err := s.registry.PromoteIfReady(ctx, w, s.probe, spawnTimeout)
		if err != nil {
			if s.metrics != nil {
				s.metrics.SpawnFailures.Inc()
			}
			return err
		}
		if promoted {
			return nil
		}
		if time.Now().After(deadline) {
			w.Kill()
			s.registry.mu.Lock()
			w.setState(Dead)
			s.registry.mu.Unlock()
			if s.metrics != nil {
				s.metrics.SpawnFailures.Inc()
			}
			return ErrSpawnTimeout
		}
		time.Sleep(acquirePollSleep)
	}
}
