package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Env variable names for credential overrides; set values take precedence
// over the YAML document so app passwords stay out of checked-in config.
const (
	EnvUsername    = "BBCONTRIB_USERNAME"
	EnvAppPassword = "BBCONTRIB_APP_PASSWORD"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Bitbucket BitbucketConfig
	Ingest    IngestConfig
	Store     StoreConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// BitbucketConfig configures Bitbucket Server API interactions.
type BitbucketConfig struct {
	Username           string
	AppPassword        string
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
	BranchPageSize     int
	CommitPageSize     int
	PRPageSize         int
	RepoPageSize       int
	RepoSpaces         []RepoSpace
}

// RepoSpace is one project space to discover and ingest repositories from.
type RepoSpace struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	ProjectKey string `yaml:"project_key"`
}

// IngestConfig configures refresh runs.
type IngestConfig struct {
	WindowDays             int
	RefreshIntervalMinutes int
	MaxWorkers             int
	Stagger                time.Duration
	PartialRepos           bool
}

// StoreConfig configures cache persistence.
type StoreConfig struct {
	Backend            string
	DataDir            string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	RedisNamespace     string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML, applies environment credential
// overrides, and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.Bitbucket.Username == "" {
		errs = append(errs, "bitbucket.username is required")
	}
	if c.Bitbucket.AppPassword == "" {
		errs = append(errs, "bitbucket.app_password is required")
	}
	if len(c.Bitbucket.RepoSpaces) == 0 {
		errs = append(errs, "bitbucket.repo_spaces must contain at least one project space")
	}
	seenProjects := make(map[string]struct{}, len(c.Bitbucket.RepoSpaces))
	for i, space := range c.Bitbucket.RepoSpaces {
		prefix := fmt.Sprintf("bitbucket.repo_spaces[%d]", i)
		if space.BaseURL == "" {
			errs = append(errs, prefix+".base_url is required")
		}
		if space.ProjectKey == "" {
			errs = append(errs, prefix+".project_key is required")
		}
		if _, ok := seenProjects[space.ProjectKey]; ok && space.ProjectKey != "" {
			errs = append(errs, "bitbucket.repo_spaces contains duplicate project key: "+space.ProjectKey)
		}
		seenProjects[space.ProjectKey] = struct{}{}
	}

	if c.Ingest.WindowDays <= 0 {
		errs = append(errs, "ingest.window_days must be > 0")
	}
	if c.Ingest.RefreshIntervalMinutes <= 0 {
		errs = append(errs, "ingest.refresh_interval_minutes must be > 0")
	}

	if c.Store.Backend != "filesystem" && c.Store.Backend != "redis" {
		errs = append(errs, "store.backend must be filesystem or redis")
	}
	if c.Store.Backend == "filesystem" && c.Store.DataDir == "" {
		errs = append(errs, "store.data_dir is required when store.backend=filesystem")
	}
	if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
		errs = append(errs, "store.redis_mode must be standalone or sentinel")
	}
	if c.Store.Backend == "redis" {
		if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required when store.backend=redis")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Bitbucket.RequestTimeout <= 0 {
		cfg.Bitbucket.RequestTimeout = 30 * time.Second
	}
	if cfg.Bitbucket.BranchPageSize <= 0 {
		cfg.Bitbucket.BranchPageSize = 100
	}
	if cfg.Bitbucket.CommitPageSize <= 0 {
		cfg.Bitbucket.CommitPageSize = 25
	}
	if cfg.Bitbucket.PRPageSize <= 0 {
		cfg.Bitbucket.PRPageSize = 25
	}
	if cfg.Bitbucket.RepoPageSize <= 0 {
		cfg.Bitbucket.RepoPageSize = 1000
	}
	if cfg.Ingest.WindowDays == 0 {
		cfg.Ingest.WindowDays = 90
	}
	if cfg.Ingest.RefreshIntervalMinutes == 0 {
		cfg.Ingest.RefreshIntervalMinutes = 60
	}
	if cfg.Ingest.MaxWorkers <= 0 {
		cfg.Ingest.MaxWorkers = 5
	}
	if cfg.Ingest.Stagger <= 0 {
		cfg.Ingest.Stagger = time.Second
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "filesystem"
	}
	if cfg.Store.DataDir == "" && cfg.Store.Backend == "filesystem" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.RedisNamespace == "" {
		cfg.Store.RedisNamespace = "bb-contrib"
	}
}

func applyEnvOverrides(cfg *Config) {
	if username := os.Getenv(EnvUsername); username != "" {
		cfg.Bitbucket.Username = username
	}
	if password := os.Getenv(EnvAppPassword); password != "" {
		cfg.Bitbucket.AppPassword = password
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	Bitbucket rawBitbucket `yaml:"bitbucket"`
	Ingest    rawIngest    `yaml:"ingest"`
	Store     rawStore     `yaml:"store"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawBitbucket struct {
	Username           string      `yaml:"username"`
	AppPassword        string      `yaml:"app_password"`
	RequestTimeout     duration    `yaml:"request_timeout"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"`
	BranchPageSize     int         `yaml:"branch_page_size"`
	CommitPageSize     int         `yaml:"commit_page_size"`
	PRPageSize         int         `yaml:"pr_page_size"`
	RepoPageSize       int         `yaml:"repo_page_size"`
	RepoSpaces         []RepoSpace `yaml:"repo_spaces"`
}

type rawIngest struct {
	WindowDays             int      `yaml:"window_days"`
	RefreshIntervalMinutes int      `yaml:"refresh_interval_minutes"`
	MaxWorkers             int      `yaml:"max_workers"`
	Stagger                duration `yaml:"stagger"`
	PartialRepos           bool     `yaml:"partial_repos"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	DataDir            string   `yaml:"data_dir"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisNamespace     string   `yaml:"redis_namespace"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		Bitbucket: BitbucketConfig{
			Username:           r.Bitbucket.Username,
			AppPassword:        r.Bitbucket.AppPassword,
			RequestTimeout:     r.Bitbucket.RequestTimeout.Duration,
			InsecureSkipVerify: r.Bitbucket.InsecureSkipVerify,
			BranchPageSize:     r.Bitbucket.BranchPageSize,
			CommitPageSize:     r.Bitbucket.CommitPageSize,
			PRPageSize:         r.Bitbucket.PRPageSize,
			RepoPageSize:       r.Bitbucket.RepoPageSize,
			RepoSpaces:         r.Bitbucket.RepoSpaces,
		},
		Ingest: IngestConfig{
			WindowDays:             r.Ingest.WindowDays,
			RefreshIntervalMinutes: r.Ingest.RefreshIntervalMinutes,
			MaxWorkers:             r.Ingest.MaxWorkers,
			Stagger:                r.Ingest.Stagger.Duration,
			PartialRepos:           r.Ingest.PartialRepos,
		},
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			DataDir:            r.Store.DataDir,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			RedisNamespace:     r.Store.RedisNamespace,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
