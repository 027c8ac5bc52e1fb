package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/supervm/internal/agent"
	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/provision"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/internal/storage/etcdstore"
	"github.com/ChuLiYu/supervm/internal/storage/filestore"
	"github.com/ChuLiYu/supervm/internal/storage/wal"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// ResourcesConfig YAML 形式的資源向量
type ResourcesConfig struct {
	CPUMillis int64 `yaml:"cpu_millis"`
	MemoryMB  int64 `yaml:"memory_mb"`
	GPUUnits  int64 `yaml:"gpu_units"`
}

func (r ResourcesConfig) resources() types.Resources {
	return types.Resources{CPUMillis: r.CPUMillis, MemoryMB: r.MemoryMB, GPUUnits: r.GPUUnits}
}

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Scheduler struct {
		MaxAttempts      int           `yaml:"max_attempts"`
		RetryBackoff     time.Duration `yaml:"retry_backoff"`
		PassInterval     time.Duration `yaml:"pass_interval"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"scheduler"`

	Dispatch struct {
		Workers         int           `yaml:"workers"`
		QueueSize       int           `yaml:"queue_size"`
		DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
		ExecTimeout     time.Duration `yaml:"exec_timeout"`
	} `yaml:"dispatch"`

	Registry struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MissedHeartbeats  int           `yaml:"missed_heartbeats"`
		RemoveAfter       time.Duration `yaml:"remove_after"`
	} `yaml:"registry"`

	Scaling struct {
		Enabled           bool              `yaml:"enabled"`
		SampleInterval    time.Duration     `yaml:"sample_interval"`
		Window            time.Duration     `yaml:"window"`
		LowWater          float64           `yaml:"low_water"`
		HighWater         float64           `yaml:"high_water"`
		Cooldown          time.Duration     `yaml:"cooldown"`
		ProvisionDeadline time.Duration     `yaml:"provision_deadline"`
		MinNodes          int               `yaml:"min_nodes"`
		MaxNodes          int               `yaml:"max_nodes"`
		Step              int               `yaml:"step"`
		NodeCapacity      ResourcesConfig   `yaml:"node_capacity"`
		NodeLabels        map[string]string `yaml:"node_labels"`
	} `yaml:"scaling"`

	Provision struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"provision"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | wal | etcd
		WAL     struct {
			Path          string        `yaml:"path"`
			SyncOnAppend  bool          `yaml:"sync_on_append"`
			BufferSize    int           `yaml:"buffer_size"`
			FlushInterval time.Duration `yaml:"flush_interval"`
			KeepSegments  bool          `yaml:"keep_segments"`
		} `yaml:"wal"`
		Snapshot struct {
			Path        string `yaml:"path"`
			KeepBackups int    `yaml:"keep_backups"`
		} `yaml:"snapshot"`
		Etcd struct {
			Endpoints   []string      `yaml:"endpoints"`
			DialTimeout time.Duration `yaml:"dial_timeout"`
			Prefix      string        `yaml:"prefix"`
			Retention   time.Duration `yaml:"retention"`
		} `yaml:"etcd"`
	} `yaml:"storage"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"` // 0 = 只掛在 API 的 /metrics
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Agent struct {
		ID                string            `yaml:"id"`
		Listen            string            `yaml:"listen"`
		Endpoint          string            `yaml:"endpoint"`
		APIURL            string            `yaml:"api_url"`
		Capacity          ResourcesConfig   `yaml:"capacity"`
		Labels            map[string]string `yaml:"labels"`
		HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
		MaxConcurrent     int               `yaml:"max_concurrent"`
		Engines           struct {
			Simulate    bool          `yaml:"simulate"`
			MaxDelay    time.Duration `yaml:"max_delay"`
			FailureRate float64       `yaml:"failure_rate"`
			Docker      bool          `yaml:"docker"`
			RenderURL   string        `yaml:"render_url"`
			BrowserURL  string        `yaml:"browser_url"`
			SyncURL     string        `yaml:"sync_url"`
			HTTPTimeout time.Duration `yaml:"http_timeout"`
		} `yaml:"engines"`
	} `yaml:"agent"`
}

// Default 預設配置（與 configs/default.yaml 一致）
func Default() *Config {
	var c Config
	sched := scheduler.DefaultConfig()
	c.Scheduler.MaxAttempts = sched.DefaultMaxAttempts
	c.Scheduler.PassInterval = sched.PassInterval
	c.Scheduler.SweepInterval = sched.SweepInterval
	c.Scheduler.SnapshotInterval = sched.SnapshotInterval

	disp := dispatch.DefaultConfig()
	c.Dispatch.Workers = disp.Workers
	c.Dispatch.QueueSize = disp.QueueSize
	c.Dispatch.DispatchTimeout = disp.DispatchTimeout
	c.Dispatch.ExecTimeout = disp.ExecTimeout

	reg := registry.DefaultConfig()
	c.Registry.HeartbeatInterval = reg.HeartbeatInterval
	c.Registry.MissedHeartbeats = reg.MissedHeartbeats
	c.Registry.RemoveAfter = 10 * time.Minute

	sc := scaling.DefaultConfig()
	c.Scaling.SampleInterval = sc.SampleInterval
	c.Scaling.Window = sc.Window
	c.Scaling.LowWater = sc.LowWater
	c.Scaling.HighWater = sc.HighWater
	c.Scaling.Cooldown = sc.Cooldown
	c.Scaling.ProvisionDeadline = sc.ProvisionDeadline
	c.Scaling.Step = sc.Step
	c.Scaling.NodeCapacity = ResourcesConfig{CPUMillis: 4000, MemoryMB: 8192}

	c.Provision.Timeout = 30 * time.Second

	c.Storage.Backend = "memory"
	c.Storage.WAL.Path = "./data/wal/tasks.log"
	c.Storage.WAL.BufferSize = 100
	c.Storage.WAL.FlushInterval = 10 * time.Millisecond
	c.Storage.Snapshot.Path = "./data/snapshots/tasks.snapshot"
	c.Storage.Snapshot.KeepBackups = 3
	c.Storage.Etcd.Endpoints = []string{"127.0.0.1:2379"}
	c.Storage.Etcd.DialTimeout = 5 * time.Second
	c.Storage.Etcd.Prefix = etcdstore.DefaultPrefix

	c.HTTP.Addr = ":8080"
	c.Metrics.Enabled = true
	c.Log.Level = "info"
	c.Log.Format = "text"

	c.Agent.Listen = ":7070"
	c.Agent.APIURL = "http://127.0.0.1:8080"
	c.Agent.Capacity = ResourcesConfig{CPUMillis: 4000, MemoryMB: 8192}
	c.Agent.HeartbeatInterval = 2 * time.Second
	c.Agent.Engines.Simulate = true
	c.Agent.Engines.MaxDelay = 500 * time.Millisecond
	c.Agent.Engines.HTTPTimeout = 10 * time.Minute
	return &c
}

// LoadConfig 讀取 YAML；檔案中未出現的欄位保留預設值
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, errors.New("scheduler.max_attempts must be at least 1"))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be at least 1"))
	}
	if c.Registry.MissedHeartbeats < 1 || c.Registry.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("registry.heartbeat_interval and missed_heartbeats must be positive"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "wal":
		if c.Storage.WAL.Path == "" || c.Storage.Snapshot.Path == "" {
			errs = append(errs, errors.New("storage.wal.path and storage.snapshot.path are required for the wal backend"))
		}
	case "etcd":
		if len(c.Storage.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("storage.etcd.endpoints is required for the etcd backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory, wal or etcd", c.Storage.Backend))
	}
	if c.Scaling.Enabled {
		if err := c.ScalingConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scaling: %w", err))
		}
		if c.Provision.URL == "" {
			errs = append(errs, errors.New("provision.url is required when scaling is enabled"))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ============================================================================
// 轉換為各組件配置
// ============================================================================

func (c *Config) SchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.DefaultMaxAttempts = c.Scheduler.MaxAttempts
	cfg.RetryBackoff = c.Scheduler.RetryBackoff
	cfg.PassInterval = c.Scheduler.PassInterval
	cfg.SweepInterval = c.Scheduler.SweepInterval
	cfg.SnapshotInterval = c.Scheduler.SnapshotInterval
	return cfg
}

func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Workers:         c.Dispatch.Workers,
		QueueSize:       c.Dispatch.QueueSize,
		DispatchTimeout: c.Dispatch.DispatchTimeout,
		ExecTimeout:     c.Dispatch.ExecTimeout,
	}
}

func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		HeartbeatInterval: c.Registry.HeartbeatInterval,
		MissedHeartbeats:  c.Registry.MissedHeartbeats,
		RemoveAfter:       c.Registry.RemoveAfter,
	}
}

func (c *Config) ScalingConfig() scaling.Config {
	return scaling.Config{
		SampleInterval:    c.Scaling.SampleInterval,
		Window:            c.Scaling.Window,
		LowWater:          c.Scaling.LowWater,
		HighWater:         c.Scaling.HighWater,
		Cooldown:          c.Scaling.Cooldown,
		ProvisionDeadline: c.Scaling.ProvisionDeadline,
		MinNodes:          c.Scaling.MinNodes,
		MaxNodes:          c.Scaling.MaxNodes,
		Step:              c.Scaling.Step,
		NodeSpec: provision.NodeSpec{
			Capacity: c.Scaling.NodeCapacity.resources(),
			Labels:   c.Scaling.NodeLabels,
		},
	}
}

func (c *Config) FileStoreConfig() filestore.Config {
	return filestore.Config{
		WALPath:      c.Storage.WAL.Path,
		SnapshotPath: c.Storage.Snapshot.Path,
		KeepBackups:  c.Storage.Snapshot.KeepBackups,
		WAL: wal.Options{
			SyncOnAppend:  c.Storage.WAL.SyncOnAppend,
			BufferSize:    c.Storage.WAL.BufferSize,
			FlushInterval: c.Storage.WAL.FlushInterval,
			KeepSegments:  c.Storage.WAL.KeepSegments,
		},
	}
}

func (c *Config) EtcdConfig() etcdstore.Config {
	return etcdstore.Config{
		Endpoints:   c.Storage.Etcd.Endpoints,
		DialTimeout: c.Storage.Etcd.DialTimeout,
		Prefix:      c.Storage.Etcd.Prefix,
		Retention:   c.Storage.Etcd.Retention,
	}
}

func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		ID:                types.NodeID(c.Agent.ID),
		Listen:            c.Agent.Listen,
		Endpoint:          c.Agent.Endpoint,
		APIURL:            c.Agent.APIURL,
		Capacity:          c.Agent.Capacity.resources(),
		Labels:            c.Agent.Labels,
		HeartbeatInterval: c.Agent.HeartbeatInterval,
		MaxConcurrent:     c.Agent.MaxConcurrent,
	}
}

func (c *Config) EngineConfig() agent.EngineConfig {
	e := c.Agent.Engines
	return agent.EngineConfig{
		Simulate:    e.Simulate,
		MaxDelay:    e.MaxDelay,
		FailureRate: e.FailureRate,
		Docker:      e.Docker,
		RenderURL:   e.RenderURL,
		BrowserURL:  e.BrowserURL,
		SyncURL:     e.SyncURL,
		HTTPTimeout: e.HTTPTimeout,
	}
}

// ============================================================================
// 日誌
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return l, nil
}

// SetupLogger 依配置安裝預設 slog handler
func SetupLogger(c *Config) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(c.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
