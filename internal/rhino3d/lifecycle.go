package rhino3d

import (
	"context"
	"time"

	"github.com/sourcegraph/log"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
	"github.com/mcneel/compute-geometry-dispatcher/internal/metrics"
)

const lifecycleTickPeriod = 30 * time.Second

// LifecycleController is the periodic reaper: it removes exited/
// unresponsive workers, enforces the spawn-count invariant, and
// optionally seeds the pool at startup (spec §4.6).
type LifecycleController struct {
	log       log.Logger
	cfg       *config.Config
	registry  *Registry
	scheduler *Scheduler
	ports     *PortAllocator
	probe     *ProbeClient
	metrics   *metrics.Metrics
}

// NewLifecycleController constructs a LifecycleController.
func NewLifecycleController(logger log.Logger, cfg *config.Config, registry *Registry, scheduler *Scheduler, ports *PortAllocator, probe *ProbeClient, m *metrics.Metrics) *LifecycleController {
	return &LifecycleController{
		log:       logger,
		cfg:       cfg,
		registry:  registry,
		scheduler: scheduler,
		ports:     ports,
		probe:     probe,
		metrics:   m,
	}
}

// Run fires Tick every 30s until ctx is cancelled.
func (c *LifecycleController) Run(ctx context.Context) {
	ticker := time.NewTicker(lifecycleTickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one reaper pass: reap, enforce the cap, then enforce the
// floor (spec §4.6). Exported so tests can drive it synchronously without
// waiting on the 30s ticker; Run is its only caller in the dispatcher.
func (c *LifecycleController) Tick(ctx context.Context) {
	c.registry.Reap()
	for _, w := range c.registry.startingWorkers() {
		if _, err := c.registry.PromoteIfReady(ctx, w, c.probe, spawnTimeout); err != nil {
			c.log.Warn("lifecycle: spawn timeout", log.Error(err))
			if c.metrics != nil {
				c.metrics.SpawnFailures.Inc()
			}
		}
	}

	c.enforceCap()
	c.enforceFloor()
}

// enforceCap kills the newest worker repeatedly while the pool exceeds
// SpawnCount.
func (c *LifecycleController) enforceCap() {
	for c.registry.NonDeadCount() > c.cfg.SpawnCount {
		c.registry.KillNewest()
		if c.metrics != nil {
			c.metrics.WorkerRestarts.Inc()
		}
	}
}

// enforceFloor spawns workers while the pool is under SpawnCount, but only
// once the pool is "live": either SpawnOnStartup was requested, or the
// scheduler has served at least one request. A cold pool on a dispatcher
// that may never receive traffic is left empty.
func (c *LifecycleController) enforceFloor() {
	if !c.cfg.SpawnOnStartup && !c.scheduler.EverUsed() {
		return
	}
	for c.registry.NonDeadCount() < c.cfg.SpawnCount && !c.registry.HasStarting() {
		if _, ok := c.registry.TrySpawn(c.ports, c.log); !ok {
			break
		}
	}
}
