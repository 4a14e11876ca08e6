// Command compute-geometry-dispatcher is a front-end dispatcher that
// multiplexes inbound HTTP compute requests across a pool of locally
// spawned geometry worker processes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
	"github.com/mcneel/compute-geometry-dispatcher/internal/metrics"
	"github.com/mcneel/compute-geometry-dispatcher/internal/proxy"
	"github.com/mcneel/compute-geometry-dispatcher/internal/rhino3d"
)

var (
	flagConfigFile = flag.String("config", "", "optional YAML config file")
	flagAppName    = flag.String("app-name", "compute_geometry", "app name used as the Prometheus metric prefix")
)

func main() {
	flag.Parse()

	liblog := log.Init(log.Resource{
		Name:       *flagAppName,
		InstanceID: hostname(),
	})
	defer liblog.Sync()

	logger := log.Scoped("dispatcher", "compute geometry worker pool dispatcher")

	execPath, err := os.Executable()
	if err != nil {
		logger.Fatal("resolving executable path", log.Error(err))
	}

	cfg, err := config.Load(*flagConfigFile, execPath)
	if err != nil {
		logger.Fatal("loading config", log.Error(err))
	}

	m := metrics.New(*flagAppName)

	registry := rhino3d.NewRegistry(log.Scoped("registry", "worker registry"), cfg, m)
	ports := rhino3d.NewPortAllocator()
	probe := rhino3d.NewProbeClient()
	clock := rhino3d.NewActivityClock()
	scheduler := rhino3d.NewScheduler(log.Scoped("scheduler", "worker pool scheduler"), cfg, registry, ports, probe, clock, m)
	lifecycle := rhino3d.NewLifecycleController(log.Scoped("lifecycle", "worker lifecycle controller"), cfg, registry, scheduler, ports, probe, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SpawnOnStartup {
		logger.Info("performing one blocking startup spawn", log.Int("spawn_count", cfg.SpawnCount))
		if err := scheduler.SpawnBlocking(ctx); err != nil {
			logger.Error("startup spawn failed", log.Error(err))
		}
		// The rest of the floor (up to SpawnCount) is filled by
		// LifecycleController's periodic, non-blocking, I3-serialized tick.
	}

	dispatcher := proxy.New(log.Scoped("proxy", "reverse proxy"), cfg, scheduler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gctx, logger, "proxy", cfg.ListenAddress, dispatcher.Handler())
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pool", poolSnapshotHandler(registry))
		return runServer(gctx, logger, "metrics", cfg.MetricsListenAddress, mux)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/idlespan", idleSpanHandler(clock))
		return runServer(gctx, logger, "control", fmt.Sprintf(":%d", cfg.ParentPort), mux)
	})

	g.Go(func() error {
		lifecycle.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("server group exited with error", log.Error(err))
	}

	logger.Info("shutting down, killing tracked workers")
	registry.Shutdown()
}

// runServer runs an HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func runServer(ctx context.Context, logger log.Logger, name, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", log.String("server", name), log.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// idleSpanHandler backs the worker-facing control channel described in
// spec §4.7/§6: workers poll this on ParentPort to decide whether to
// self-terminate.
func idleSpanHandler(clock *rhino3d.ActivityClock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", clock.IdleSeconds())
	}
}

// poolSnapshotHandler is the supplemented /debug/pool introspection
// endpoint (SPEC_FULL.md Supplemented Features).
func poolSnapshotHandler(registry *rhino3d.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.Snapshot())
	}
}
