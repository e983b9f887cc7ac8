package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/me/gowdl/internal/logging"
)

// Config is the engine configuration.
type Config struct {
	RunDir       string             `mapstructure:"run_dir" yaml:"run_dir"`
	LogLevel     string             `mapstructure:"log_level" yaml:"log_level"`
	LogFormat    string             `mapstructure:"log_format" yaml:"log_format"`
	FailureMode  string             `mapstructure:"failure_mode" yaml:"failure_mode"` // fast | slow
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	CallCache    CallCacheConfig    `mapstructure:"call_cache" yaml:"call_cache"`
	Backend      BackendConfig      `mapstructure:"backend" yaml:"backend"`
	Retry        RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Localization LocalizationConfig `mapstructure:"localization" yaml:"localization"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// SchedulerConfig sizes the resource envelope. Zero CPU and empty Memory
// mean "probe the host".
type SchedulerConfig struct {
	CPU        int64  `mapstructure:"cpu" yaml:"cpu"`
	Memory     string `mapstructure:"memory" yaml:"memory"` // e.g. "16 GiB"
	GPU        int64  `mapstructure:"gpu" yaml:"gpu"`
	Disk       string `mapstructure:"disk" yaml:"disk"`
	Unlimited  bool   `mapstructure:"unlimited" yaml:"unlimited"`
	HostLimits string `mapstructure:"host_limits" yaml:"host_limits"` // enforce | ignore
}

// MemoryBytes parses Memory; an empty value returns 0.
func (c SchedulerConfig) MemoryBytes() (int64, error) {
	return parseBytes(c.Memory)
}

// DiskBytes parses Disk; an empty value returns 0.
func (c SchedulerConfig) DiskBytes() (int64, error) {
	return parseBytes(c.Disk)
}

// CallCacheConfig selects and configures the call cache store.
type CallCacheConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Store   string `mapstructure:"store" yaml:"store"` // file | sqlite | postgres
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Digest  string `mapstructure:"digest" yaml:"digest"` // strong | weak
}

// BackendConfig selects the backend and holds per-backend settings.
type BackendConfig struct {
	Kind          string          `mapstructure:"kind" yaml:"kind"` // local | docker | apptainer | slurm | tes
	ImageCacheDir string          `mapstructure:"image_cache_dir" yaml:"image_cache_dir"`
	DefaultImage  string          `mapstructure:"default_image" yaml:"default_image"`
	Docker        DockerConfig    `mapstructure:"docker" yaml:"docker"`
	Apptainer     ApptainerConfig `mapstructure:"apptainer" yaml:"apptainer"`
	Slurm         SlurmConfig     `mapstructure:"slurm" yaml:"slurm"`
	TES           TESConfig       `mapstructure:"tes" yaml:"tes"`
	Poll          PollConfig      `mapstructure:"poll" yaml:"poll"`
}

// DockerConfig configures the docker backend.
type DockerConfig struct {
	Binary    string   `mapstructure:"binary" yaml:"binary"`
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// ApptainerConfig configures apptainer image conversion and execution.
type ApptainerConfig struct {
	Binary    string   `mapstructure:"binary" yaml:"binary"`
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// SlurmConfig configures sbatch submission.
type SlurmConfig struct {
	Partition string   `mapstructure:"partition" yaml:"partition"`
	Account   string   `mapstructure:"account" yaml:"account"`
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// TESConfig configures the GA4GH TES client.
type TESConfig struct {
	URL               string  `mapstructure:"url" yaml:"url"`
	Token             string  `mapstructure:"token" yaml:"token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// PollConfig bounds the status polling backoff.
type PollConfig struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

// RetryConfig sets task retry defaults.
type RetryConfig struct {
	MaxRetries   int  `mapstructure:"max_retries" yaml:"max_retries"`
	SubmitErrors bool `mapstructure:"submit_errors" yaml:"submit_errors"`
}

// LocalizationConfig bounds input staging.
type LocalizationConfig struct {
	Concurrency int        `mapstructure:"concurrency" yaml:"concurrency"`
	Attempts    int        `mapstructure:"attempts" yaml:"attempts"`
	HTTP        HTTPConfig `mapstructure:"http" yaml:"http"`
	S3          S3Config   `mapstructure:"s3" yaml:"s3"`
}

// HTTPConfig configures the HTTP(S) stager.
type HTTPConfig struct {
	Timeout     time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	BearerToken string            `mapstructure:"bearer_token" yaml:"bearer_token"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers"`
}

// S3Config configures the S3 stager.
type S3Config struct {
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
}

// ServerConfig configures the optional HTTP reporting surface.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RunDir:      ".",
		LogLevel:    "info",
		LogFormat:   "text",
		FailureMode: "fast",
		Scheduler: SchedulerConfig{
			HostLimits: "enforce",
		},
		CallCache: CallCacheConfig{
			Store:  "file",
			Digest: "strong",
		},
		Backend: BackendConfig{
			Kind:         "local",
			DefaultImage: "ubuntu:22.04",
			Docker:       DockerConfig{Binary: "docker"},
			Apptainer:    ApptainerConfig{Binary: "apptainer"},
			TES:          TESConfig{RequestsPerSecond: 5},
			Poll:         PollConfig{Initial: time.Second, Max: 30 * time.Second},
		},
		Localization: LocalizationConfig{
			Concurrency: 8,
			Attempts:    3,
			HTTP:        HTTPConfig{Timeout: 5 * time.Minute},
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// CacheDir returns the call cache directory, defaulting to a directory
// under RunDir.
func (c *Config) CacheDir() string {
	if c.CallCache.Dir != "" {
		return c.CallCache.Dir
	}
	return filepath.Join(c.RunDir, "_call_cache")
}

// Validate checks every enumerated setting and size string.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, v, strings.Join(allowed, ", ")))
	}

	oneOf("failure_mode", c.FailureMode, "fast", "slow")
	oneOf("scheduler.host_limits", c.Scheduler.HostLimits, "enforce", "ignore")
	oneOf("call_cache.store", c.CallCache.Store, "file", "sqlite", "postgres")
	oneOf("call_cache.digest", c.CallCache.Digest, "strong", "weak")
	oneOf("backend.kind", c.Backend.Kind, "local", "docker", "apptainer", "slurm", "tes")

	if _, err := logging.LookupLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format: %q is not one of text, json", c.LogFormat))
	}
	if c.Scheduler.CPU < 0 || c.Scheduler.GPU < 0 {
		errs = append(errs, errors.New("scheduler: cpu and gpu must not be negative"))
	}
	if _, err := c.Scheduler.MemoryBytes(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.memory: %w", err))
	}
	if _, err := c.Scheduler.DiskBytes(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.disk: %w", err))
	}
	if c.CallCache.Enabled && c.CallCache.Store == "postgres" && c.CallCache.DSN == "" {
		errs = append(errs, errors.New("call_cache.dsn is required for the postgres store"))
	}
	if c.Backend.Kind == "tes" && c.Backend.TES.URL == "" {
		errs = append(errs, errors.New("backend.tes.url is required for the tes backend"))
	}
	if c.Backend.Poll.Initial <= 0 || c.Backend.Poll.Max < c.Backend.Poll.Initial {
		errs = append(errs, errors.New("backend.poll: initial must be positive and not exceed max"))
	}
	if c.Localization.Concurrency < 1 {
		errs = append(errs, errors.New("localization.concurrency must be at least 1"))
	}
	if c.Localization.Attempts < 1 {
		errs = append(errs, errors.New("localization.attempts must be at least 1"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

func parseBytes(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// envKeys lists every setting that can be overridden from the environment
// as GOWDL_<KEY> with dots replaced by underscores.
var envKeys = []string{
	"run_dir", "log_level", "log_format", "failure_mode",
	"scheduler.cpu", "scheduler.memory", "scheduler.gpu", "scheduler.disk",
	"scheduler.unlimited", "scheduler.host_limits",
	"call_cache.enabled", "call_cache.dir", "call_cache.store", "call_cache.dsn", "call_cache.digest",
	"backend.kind", "backend.image_cache_dir", "backend.default_image",
	"backend.docker.binary", "backend.apptainer.binary",
	"backend.slurm.partition", "backend.slurm.account",
	"backend.tes.url", "backend.tes.token", "backend.tes.requests_per_second",
	"backend.poll.initial", "backend.poll.max",
	"retry.max_retries", "retry.submit_errors",
	"localization.concurrency", "localization.attempts",
	"localization.http.timeout", "localization.http.bearer_token",
	"localization.s3.region", "localization.s3.endpoint", "localization.s3.path_style",
	"server.addr",
}

// Load reads the YAML file at path (if non-empty), applies GOWDL_*
// environment overrides on top of DefaultConfig, expands ${VAR} references
// in credentials and paths, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOWDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.RunDir = os.ExpandEnv(cfg.RunDir)
	cfg.CallCache.Dir = os.ExpandEnv(cfg.CallCache.Dir)
	cfg.CallCache.DSN = os.ExpandEnv(cfg.CallCache.DSN)
	cfg.Backend.ImageCacheDir = os.ExpandEnv(cfg.Backend.ImageCacheDir)
	cfg.Backend.TES.Token = os.ExpandEnv(cfg.Backend.TES.Token)
	cfg.Localization.HTTP.BearerToken = os.ExpandEnv(cfg.Localization.HTTP.BearerToken)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
