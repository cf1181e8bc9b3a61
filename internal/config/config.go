// Package config loads biostream configuration: built-in defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/biostream/internal/audit"
	"github.com/withObsrvr/biostream/internal/catalog"
	"github.com/withObsrvr/biostream/internal/checkpoint"
	"github.com/withObsrvr/biostream/internal/fleet"
	"github.com/withObsrvr/biostream/internal/logging"
	"github.com/withObsrvr/biostream/internal/metrics"
	"github.com/withObsrvr/biostream/internal/rpc"
	"github.com/withObsrvr/biostream/internal/storage"
)

type Config struct {
	Fleet      fleet.Config          `yaml:"fleet"`
	Client     ClientConfig          `yaml:"client"`
	Transport  rpc.TransportConfig   `yaml:"transport"`
	Storage    storage.StorageConfig `yaml:"storage"`
	Database   DatabaseConfig        `yaml:"database"`
	Catalog    catalog.Config        `yaml:"catalog"`
	Checkpoint checkpoint.Config     `yaml:"checkpoint"`
	Audit      audit.Config          `yaml:"audit"`
	Metrics    metrics.Config        `yaml:"metrics"`
	Logging    logging.Config        `yaml:"logging"`
	Media      MediaConfig           `yaml:"media"`
}

// ClientConfig drives the streaming pipeline.
type ClientConfig struct {
	// Targets defaults to every endpoint of the fleet port spec.
	Targets     []string `yaml:"targets"`
	BatchSize   int      `yaml:"batch_size"` // -1 streams every unit
	Workers     int      `yaml:"workers"`
	MaxRetry    int      `yaml:"max_retry"`
	BackoffMs   int      `yaml:"backoff_ms"`
	Encoding    string   `yaml:"encoding"`
	JPEGQuality int      `yaml:"jpeg_quality"`
	Prefetch    int      `yaml:"prefetch"`
	Resume      bool     `yaml:"resume"`
	// CallTimeout bounds unary database and status calls.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DatabaseConfig configures where workers write database snapshots. An
// empty URL disables checkpoints.
type DatabaseConfig struct {
	SnapshotURL    string `yaml:"snapshot_url"`
	SnapshotPrefix string `yaml:"snapshot_prefix"`
}

type MediaConfig struct {
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	Live    bool   `yaml:"live"` // accept rtsp:// and similar stream URLs
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Fleet: fleet.Config{
			PortSpec:          fleet.DefaultEndpoint,
			PortRange:         1,
			ProcessesPerPort:  1,
			ThreadsPerProcess: 1,
			Restart:           fleet.RestartPolicy{MaxRestarts: 3, PerMinute: 10},
		},
		Client: ClientConfig{
			BatchSize:   -1,
			Workers:     1,
			MaxRetry:    3,
			BackoffMs:   500,
			Encoding:    rpc.EncodingRGBA,
			JPEGQuality: 90,
			Prefetch:    4,
			CallTimeout: 30 * time.Second,
		},
		Transport: rpc.TransportConfig{
			MaxMessageBytes: rpc.DefaultMaxMessageBytes,
			Compression:     rpc.CompressionNone,
		},
		Storage: storage.StorageConfig{
			Prefix:  "results/",
			Timings: true,
		},
		Database: DatabaseConfig{
			SnapshotPrefix: "databases/",
		},
		Checkpoint: checkpoint.Config{
			Dir: "./checkpoints",
		},
		Audit: audit.Config{
			Dir: "./audit",
		},
		Metrics: metrics.Config{
			Address: ":9090",
		},
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if len(cfg.Client.Targets) == 0 {
		topo, err := cfg.Fleet.Topology()
		if err != nil {
			return cfg, err
		}
		cfg.Client.Targets = topo.Endpoints
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoad is Load for process startup; it exits on error.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) applyEnv() error {
	c.Fleet.PortSpec = getenvDefault("BIOSTREAM_PORT", c.Fleet.PortSpec)
	if v := os.Getenv("BIOSTREAM_TARGETS"); v != "" {
		c.Client.Targets = splitList(v)
	}

	var errs []error
	intEnv := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	intEnv("BIOSTREAM_PORT_RANGE", &c.Fleet.PortRange)
	intEnv("BIOSTREAM_PROCESSES", &c.Fleet.ProcessesPerPort)
	intEnv("BIOSTREAM_THREADS", &c.Fleet.ThreadsPerProcess)
	intEnv("BIOSTREAM_BATCH_SIZE", &c.Client.BatchSize)
	intEnv("BIOSTREAM_WORKERS", &c.Client.Workers)
	intEnv("BIOSTREAM_MAX_RETRY", &c.Client.MaxRetry)
	intEnv("BIOSTREAM_PREFETCH", &c.Client.Prefetch)
	intEnv("BIOSTREAM_METRICS_WORKER_BASE_PORT", &c.Metrics.WorkerBasePort)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.Transport.Compression = getenvDefault("BIOSTREAM_COMPRESSION", c.Transport.Compression)
	c.Client.Encoding = getenvDefault("BIOSTREAM_ENCODING", c.Client.Encoding)
	c.Storage.URL = getenvDefault("BIOSTREAM_STORAGE_URL", c.Storage.URL)
	c.Storage.Prefix = getenvDefault("BIOSTREAM_STORAGE_PREFIX", c.Storage.Prefix)
	c.Database.SnapshotURL = getenvDefault("BIOSTREAM_SNAPSHOT_URL", c.Database.SnapshotURL)
	c.Catalog.PostgresDSN = getenvDefault("BIOSTREAM_CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Checkpoint.Dir = getenvDefault("BIOSTREAM_CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Audit.Endpoint = getenvDefault("BIOSTREAM_AUDIT_ENDPOINT", c.Audit.Endpoint)
	c.Audit.Dir = getenvDefault("BIOSTREAM_AUDIT_DIR", c.Audit.Dir)
	c.Metrics.Address = getenvDefault("BIOSTREAM_METRICS_ADDR", c.Metrics.Address)
	c.Logging.Level = getenvDefault("BIOSTREAM_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("BIOSTREAM_LOG_FORMAT", c.Logging.Format)
	c.Media.FFmpeg = getenvDefault("BIOSTREAM_FFMPEG", c.Media.FFmpeg)

	if os.Getenv("BIOSTREAM_CHECKPOINT") == "true" {
		c.Checkpoint.Enabled = true
	}
	if os.Getenv("BIOSTREAM_AUDIT") == "true" {
		c.Audit.Enabled = true
	}
	if os.Getenv("BIOSTREAM_METRICS") == "true" {
		c.Metrics.Enabled = true
	}
	return nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.BatchSize == 0 || c.Client.BatchSize < -1 {
		errs = append(errs, fmt.Errorf("client.batch_size must be -1 or positive, got %d", c.Client.BatchSize))
	}
	if c.Client.Workers < 1 {
		errs = append(errs, fmt.Errorf("client.workers must be >= 1, got %d", c.Client.Workers))
	}
	if c.Client.Encoding != rpc.EncodingRGBA && c.Client.Encoding != rpc.EncodingJPEG {
		errs = append(errs, fmt.Errorf("client.encoding must be %q or %q, got %q", rpc.EncodingRGBA, rpc.EncodingJPEG, c.Client.Encoding))
	}
	if q := c.Client.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("client.jpeg_quality must be 1-100, got %d", q))
	}
	if c.Fleet.PortRange < 1 {
		errs = append(errs, fmt.Errorf("%w: fleet.port_range must be >= 1, got %d", fleet.ErrConfig, c.Fleet.PortRange))
	}
	if c.Fleet.ProcessesPerPort < 1 {
		errs = append(errs, fmt.Errorf("%w: fleet.processes_per_port must be >= 1, got %d", fleet.ErrConfig, c.Fleet.ProcessesPerPort))
	}
	if c.Fleet.ThreadsPerProcess < 1 {
		errs = append(errs, fmt.Errorf("%w: fleet.threads_per_process must be >= 1, got %d", fleet.ErrConfig, c.Fleet.ThreadsPerProcess))
	}
	if err := rpc.ValidCompression(c.Transport.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required when checkpoints are enabled"))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
