// Package config loads the dispatcher's configuration from environment
// variables and an optional config file via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ErrExecutableNotFound is returned by Load when the worker executable is
// absent from both candidate directories.
var ErrExecutableNotFound = errors.New("config: worker executable not found")

// Config holds the dispatcher's immutable-after-load configuration.
type Config struct {
	// Scheduler-tunable knobs, see spec §6.
	SpawnCount     int
	ChildIdleSpan  time.Duration
	SpawnOnStartup bool
	ParentPort     int
	RhinoSysDir    string

	// WorkerExecutablePath is derived: a sibling or child directory named
	// compute.geometry containing the worker executable.
	WorkerExecutablePath string

	// External-collaborator knobs, not used by the scheduler itself. Of
	// these, only ComputeTimeout is read, by the proxy; ComputeKey and
	// MaxRequestSize are loaded but not enforced anywhere in this module.
	ComputeKey     string
	ComputeTimeout time.Duration
	MaxRequestSize int64

	ListenAddress        string
	MetricsListenAddress string
}

// Load reads configuration from (in increasing priority) defaults, an
// optional config file, and the environment. execPath is the running
// dispatcher binary's own path, used to resolve WorkerExecutablePath.
func Load(configFile, execPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("spawn_count", 1)
	v.SetDefault("child_idle_span", 0)
	v.SetDefault("spawn_on_startup", false)
	v.SetDefault("parent_port", 5000)
	v.SetDefault("rhino_sys_dir", "")
	v.SetDefault("rhino_compute_key", "")
	v.SetDefault("rhino_compute_timeout", 180)
	v.SetDefault("rhino_compute_max_request_size", int64(52428800))
	v.SetDefault("listen_address", ":6500")
	v.SetDefault("metrics_listen_address", ":6510")

	_ = v.BindEnv("spawn_count", "SPAWN_COUNT")
	_ = v.BindEnv("child_idle_span", "CHILD_IDLE_SPAN")
	_ = v.BindEnv("spawn_on_startup", "SPAWN_ON_STARTUP")
	_ = v.BindEnv("parent_port", "PARENT_PORT")
	_ = v.BindEnv("rhino_sys_dir", "RHINO_SYS_DIR")
	_ = v.BindEnv("rhino_compute_key", "RHINO_COMPUTE_KEY")
	_ = v.BindEnv("rhino_compute_timeout", "RHINO_COMPUTE_TIMEOUT")
	_ = v.BindEnv("rhino_compute_max_request_size", "RHINO_COMPUTE_MAX_REQUEST_SIZE")
	_ = v.BindEnv("listen_address", "COMPUTE_LISTEN_ADDRESS")
	_ = v.BindEnv("metrics_listen_address", "COMPUTE_METRICS_ADDRESS")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	workerPath, err := resolveWorkerExecutable(execPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		SpawnCount:            v.GetInt("spawn_count"),
		ChildIdleSpan:         time.Duration(v.GetInt64("child_idle_span")) * time.Second,
		SpawnOnStartup:        v.GetBool("spawn_on_startup"),
		ParentPort:            v.GetInt("parent_port"),
		RhinoSysDir:           v.GetString("rhino_sys_dir"),
		WorkerExecutablePath:  workerPath,
		ComputeKey:            v.GetString("rhino_compute_key"),
		ComputeTimeout:        time.Duration(v.GetInt("rhino_compute_timeout")) * time.Second,
		MaxRequestSize:        v.GetInt64("rhino_compute_max_request_size"),
		ListenAddress:         v.GetString("listen_address"),
		MetricsListenAddress:  v.GetString("metrics_listen_address"),
	}

	if cfg.SpawnCount < 1 {
		return nil, fmt.Errorf("config: spawn_count must be >= 1, got %d", cfg.SpawnCount)
	}

	return cfg, nil
}

// resolveWorkerExecutable looks for a directory named compute.geometry,
// first as a sibling of the dispatcher binary's directory, then as a
// child of it, and returns the worker executable inside it. execPath is
// the dispatcher's own executable path (e.g. os.Executable()).
func resolveWorkerExecutable(execPath string) (string, error) {
	const workerDirName = "compute.geometry"
	const workerBinName = "compute.geometry.exe"

	dir := filepath.Dir(execPath)
	candidates := []string{
		filepath.Join(filepath.Dir(dir), workerDirName, workerBinName),
		filepath.Join(dir, workerDirName, workerBinName),
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	return "", fmt.Errorf("%w: looked in %v", ErrExecutableNotFound, candidates)
}
