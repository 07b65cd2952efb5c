// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads crashwised's YAML configuration and applies the
// environment-variable overrides documented for operators.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonListenConfig controls how the HTTP surface binds.
type DaemonListenConfig struct {
	SocketPath  string `yaml:"socket_path"`
	TCPAddr     string `yaml:"tcp_addr"`
	AllowRemote bool   `yaml:"allow_remote"`
	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`
}

// TemporalConfig points the engine client wrapper at the workflow runtime.
type TemporalConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// S3Config points the object store adapter at the target/result bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CacheConfig bounds the local download cache (C1).
type CacheConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeGiB int64  `yaml:"max_size_gib"`
}

// MaxSizeBytes returns the configured cap in bytes.
func (c CacheConfig) MaxSizeBytes() int64 {
	if c.MaxSizeGiB <= 0 {
		return 10 << 30
	}
	return c.MaxSizeGiB << 30
}

// BootstrapConfig controls the C4 retry loop's backoff.
type BootstrapConfig struct {
	RetrySeconds int `yaml:"retry_seconds"`
	MaxSeconds   int `yaml:"max_seconds"`
}

// Base returns the configured base backoff delay, defaulting to 5s.
func (b BootstrapConfig) Base() time.Duration {
	if b.RetrySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.RetrySeconds) * time.Second
}

// Cap returns the configured maximum backoff delay, defaulting to 60s.
func (b BootstrapConfig) Cap() time.Duration {
	if b.MaxSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.MaxSeconds) * time.Second
}

// WorkerDefaults configures a worker process launched via the lifecycle
// manager (C9); these are consumed by the worker, not the orchestrator.
type WorkerDefaults struct {
	Vertical                string `yaml:"vertical"`
	TaskQueue               string `yaml:"task_queue"`
	MaxConcurrentActivities int    `yaml:"max_concurrent_activities"`
}

// RedactionPattern defines a sensitive data pattern for trace redaction.
type RedactionPattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

// ObservabilityConfig controls the OpenTelemetry provider wired at startup.
type ObservabilityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Sampling       struct {
		Enabled            bool    `yaml:"enabled"`
		Type               string  `yaml:"type"`
		Rate               float64 `yaml:"rate"`
		AlwaysSampleErrors bool    `yaml:"always_sample_errors"`
	} `yaml:"sampling"`
	Storage struct {
		Backend   string `yaml:"backend"`
		Path      string `yaml:"path"`
		Retention struct {
			TraceDays     int `yaml:"trace_days"`
			EventDays     int `yaml:"event_days"`
			AggregateDays int `yaml:"aggregate_days"`
		} `yaml:"retention"`
	} `yaml:"storage"`
	Exporters []struct {
		Type    string            `yaml:"type"`
		Endpoint string           `yaml:"endpoint"`
		Headers  map[string]string `yaml:"headers"`
		TLS      struct {
			Enabled           bool   `yaml:"enabled"`
			VerifyCertificate bool   `yaml:"verify_certificate"`
			CACertPath        string `yaml:"ca_cert_path"`
		} `yaml:"tls"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"exporters"`
	Redaction struct {
		Level    string             `yaml:"level"`
		Patterns []RedactionPattern `yaml:"patterns"`
	} `yaml:"redaction"`
}

// DaemonConfig is the top-level daemon section of the YAML file.
type DaemonConfig struct {
	Listen          DaemonListenConfig  `yaml:"listen"`
	DataDir         string              `yaml:"data_dir"`
	WorkflowsDir    string              `yaml:"workflows_dir"`
	HostRoot        string              `yaml:"host_root"`
	PIDFile         string              `yaml:"pid_file"`
	DrainTimeout    time.Duration       `yaml:"drain_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	Cache           CacheConfig         `yaml:"cache"`
	Bootstrap       BootstrapConfig     `yaml:"bootstrap"`
	Temporal        TemporalConfig      `yaml:"temporal"`
	S3              S3Config            `yaml:"s3"`
	Worker          WorkerDefaults      `yaml:"worker"`
	Observability   ObservabilityConfig `yaml:"observability"`
}

// Config is the root configuration document.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
}

// CheckpointDir returns where the audit log and any durable state lives.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.Daemon.DataDir, "audit")
}

// Default returns configuration with sensible, XDG-aware defaults.
func Default() *Config {
	dataDir, err := DataDir()
	if err != nil {
		dataDir = filepath.Join(os.TempDir(), "crashwise")
	}

	cfg := &Config{
		Daemon: DaemonConfig{
			Listen: DaemonListenConfig{
				TCPAddr: "127.0.0.1:8420",
			},
			DataDir:         dataDir,
			WorkflowsDir:    filepath.Join(dataDir, "workflows"),
			PIDFile:         filepath.Join(dataDir, "crashwised.pid"),
			DrainTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Cache: CacheConfig{
				Dir:        filepath.Join(dataDir, "cache"),
				MaxSizeGiB: 10,
			},
			Bootstrap: BootstrapConfig{
				RetrySeconds: 5,
				MaxSeconds:   60,
			},
			Temporal: TemporalConfig{
				Address:   "localhost:7233",
				Namespace: "default",
			},
			S3: S3Config{
				Bucket: "crashwise",
				Region: "us-east-1",
				UseSSL: true,
			},
		},
	}
	cfg.Daemon.Observability.ServiceName = "crashwise"
	return cfg
}

// Load reads the YAML config at path (or the XDG default if path is empty,
// tolerating its absence) and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := ConfigPath()
		if err == nil {
			path = defaultPath
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies every environment variable spec §6 documents,
// mirroring the teacher's load-then-override config layering.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TEMPORAL_ADDRESS"); v != "" {
		cfg.Daemon.Temporal.Address = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.Daemon.Temporal.Namespace = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Daemon.S3.Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Daemon.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.Daemon.S3.SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Daemon.S3.Bucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.Daemon.S3.Region = v
	}
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Daemon.S3.UseSSL = b
		}
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.Daemon.Cache.Dir = v
	}
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Daemon.Cache.MaxSizeGiB = n
		}
	}
	if v := os.Getenv("CRASHWISE_HOST_ROOT"); v != "" {
		cfg.Daemon.HostRoot = v
	}
	if v := os.Getenv("CRASHWISE_STARTUP_RETRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.Bootstrap.RetrySeconds = n
		}
	}
	if v := os.Getenv("CRASHWISE_STARTUP_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.Bootstrap.MaxSeconds = n
		}
	}
	if v := os.Getenv("WORKER_VERTICAL"); v != "" {
		cfg.Daemon.Worker.Vertical = v
	}
	if v := os.Getenv("WORKER_TASK_QUEUE"); v != "" {
		cfg.Daemon.Worker.TaskQueue = v
	}
	if v := os.Getenv("MAX_CONCURRENT_ACTIVITIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.Worker.MaxConcurrentActivities = n
		}
	}
}
