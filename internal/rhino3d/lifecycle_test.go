package rhino3d

import (
	"context"
	"testing"

	"github.com/sourcegraph/log/logtest"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
)

func newTestLifecycle(t *testing.T, cfg *config.Config) (*LifecycleController, *Registry, *Scheduler) {
	t.Helper()
	logger := logtest.Scoped(t)
	registry := NewRegistry(logger, cfg, nil)
	ports := NewPortAllocator()
	probe := NewProbeClient()
	clock := NewActivityClock()
	scheduler := NewScheduler(logger, cfg, registry, ports, probe, clock, nil)
	c := NewLifecycleController(logger, cfg, registry, scheduler, ports, probe, nil)
	return c, registry, scheduler
}

func TestLifecycleEnforceCapKillsExcess(t *testing.T) {
	cfg := &config.Config{SpawnCount: 1}
	c, registry, _ := newTestLifecycle(t, cfg)

	logger := logtest.Scoped(t)
	addTestWorker(registry, logger, portRangeStart+120, Ready)
	addTestWorker(registry, logger, portRangeStart+121, Ready)

	c.Tick(context.Background())

	if got := registry.NonDeadCount(); got != 1 {
		t.Fatalf("NonDeadCount() after Tick = %d, want 1 (cap enforced)", got)
	}
}

func TestLifecycleEnforceFloorGatedByEverUsedOrStartup(t *testing.T) {
	cfg := &config.Config{SpawnCount: 1, WorkerExecutablePath: "/bin/sleep"}
	c, registry, scheduler := newTestLifecycle(t, cfg)

	c.Tick(context.Background())
	if got := registry.NonDeadCount(); got != 0 {
		t.Fatalf("NonDeadCount() after Tick with a cold pool = %d, want 0 (floor not enforced)", got)
	}

	scheduler.used.Store(true) // simulate a prior AcquireWorker call
	c.Tick(context.Background())
	if got := registry.NonDeadCount(); got != 1 {
		t.Fatalf("NonDeadCount() after Tick once the scheduler has been used = %d, want 1 (floor enforced)", got)
	}
}

func TestLifecycleEnforceFloorSpawnOnStartup(t *testing.T) {
	cfg := &config.Config{SpawnCount: 1, WorkerExecutablePath: "/bin/sleep", SpawnOnStartup: true}
	c, registry, _ := newTestLifecycle(t, cfg)

	c.Tick(context.Background())

	if got := registry.NonDeadCount(); got != 1 {
		t.Fatalf("NonDeadCount() after Tick with SpawnOnStartup = %d, want 1", got)
	}
}
