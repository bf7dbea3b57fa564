package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/internal/waiter"
)

// Binding names for assembly.binding.
const (
	bindingDirect = "direct"
	bindingEvent  = "event"
)

// memoryDB selects the in-memory store instead of libSQL.
const memoryDB = "memory"

// Config holds all stagecraft configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Config struct {
	DBPath         string          `yaml:"db_path"`
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"`
	RedisAddr      string          `yaml:"redis_addr"`
	CreatorAddr    string          `yaml:"creator_addr"`
	Assembly       AssemblyConfig  `yaml:"assembly"`
	RemoteCreators []RemoteCreator `yaml:"remote_creators"`
	Waiter         WaiterConfig    `yaml:"waiter"`
	Tracing        TracingConfig   `yaml:"tracing"`
}

// AssemblyConfig tunes the plan assembly coordinator.
type AssemblyConfig struct {
	MaxDepth         int      `yaml:"max_depth"`
	PoolSize         int      `yaml:"pool_size"`
	IterationTimeout Duration `yaml:"iteration_timeout"`
	AwaitTimeout     Duration `yaml:"await_timeout"`
	Binding          string   `yaml:"binding"`
}

// RemoteCreator is a creator service reached over gRPC. Empty Kinds are
// discovered from the server.
type RemoteCreator struct {
	Name  string   `yaml:"name"`
	Addr  string   `yaml:"addr"`
	Kinds []string `yaml:"kinds"`
}

// WaiterConfig tunes the waiter janitor.
type WaiterConfig struct {
	Retention   Duration `yaml:"retention"`
	JanitorSpec string   `yaml:"janitor_spec"`
}

// TracingConfig controls span export. Spans are written as JSON to stderr.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Duration reads Go duration strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(stagecraftDir(), "stagecraft.db"),
		LogLevel:  "info",
		LogFormat: "text",
		Assembly: AssemblyConfig{
			MaxDepth:         assembly.DefaultMaxDepth,
			PoolSize:         assembly.DefaultPoolSize,
			IterationTimeout: Duration(assembly.DefaultIterationTimeout),
			AwaitTimeout:     Duration(assembly.DefaultAwaitTimeout),
			Binding:          bindingDirect,
		},
		Waiter: WaiterConfig{
			Retention:   Duration(time.Hour),
			JanitorSpec: waiter.DefaultJanitorSpec,
		},
		Tracing: TracingConfig{SampleRate: 1},
	}
}

func stagecraftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagecraft"
	}
	return filepath.Join(home, ".stagecraft")
}

func settingsPath() string {
	return filepath.Join(stagecraftDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file at path and STAGECRAFT_ env
// vars. A missing settings file is not an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"STAGECRAFT_DB_PATH":             &cfg.DBPath,
		"STAGECRAFT_LOG_LEVEL":           &cfg.LogLevel,
		"STAGECRAFT_LOG_FORMAT":          &cfg.LogFormat,
		"STAGECRAFT_REDIS_ADDR":          &cfg.RedisAddr,
		"STAGECRAFT_CREATOR_ADDR":        &cfg.CreatorAddr,
		"STAGECRAFT_ASSEMBLY_BINDING":    &cfg.Assembly.Binding,
		"STAGECRAFT_WAITER_JANITOR_SPEC": &cfg.Waiter.JanitorSpec,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STAGECRAFT_ASSEMBLY_MAX_DEPTH": &cfg.Assembly.MaxDepth,
		"STAGECRAFT_ASSEMBLY_POOL_SIZE": &cfg.Assembly.PoolSize,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"STAGECRAFT_ASSEMBLY_ITERATION_TIMEOUT": &cfg.Assembly.IterationTimeout,
		"STAGECRAFT_ASSEMBLY_AWAIT_TIMEOUT":     &cfg.Assembly.AwaitTimeout,
		"STAGECRAFT_WAITER_RETENTION":           &cfg.Waiter.Retention,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v := getenv("STAGECRAFT_TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STAGECRAFT_TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = b
	}
	if v := getenv("STAGECRAFT_TRACING_SAMPLE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("STAGECRAFT_TRACING_SAMPLE_RATE: %w", err)
		}
		cfg.Tracing.SampleRate = f
	}
	return nil
}

func (c Config) validate() error {
	switch c.Assembly.Binding {
	case bindingDirect, bindingEvent:
	default:
		return fmt.Errorf("assembly.binding must be %q or %q, got %q", bindingDirect, bindingEvent, c.Assembly.Binding)
	}
	if c.Assembly.MaxDepth <= 0 {
		return fmt.Errorf("assembly.max_depth must be positive")
	}
	if c.Assembly.PoolSize <= 0 {
		return fmt.Errorf("assembly.pool_size must be positive")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	for i, rc := range c.RemoteCreators {
		if strings.TrimSpace(rc.Addr) == "" {
			return fmt.Errorf("remote_creators[%d] has no addr", i)
		}
	}
	return nil
}

// dsn returns the libSQL data source for the configured path.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

