package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/otel"
)

// File names inside the home directory.
const (
	ConfigFileName = "config.yaml"
	PolicyFileName = "policy.yaml"
	DBFileName     = "governance.db"
	EnvFileName    = ".env"
)

// DefaultIntegritySchedule runs the chain sweep once an hour.
const DefaultIntegritySchedule = "@hourly"

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// WorkerCount bounds parallel chain verification.
	WorkerCount int `yaml:"worker_count"`

	// BusyRetries is how often a transaction is retried on SQLITE_BUSY.
	BusyRetries int `yaml:"busy_retries"`

	// IntegritySchedule is a cron spec for the chain sweeper; "off" disables it.
	IntegritySchedule string `yaml:"integrity_schedule"`

	// BootstrapAdmin grants the admin role to the earliest persona on start.
	BootstrapAdmin bool `yaml:"bootstrap_admin"`

	// DecisionJournal appends every authorization decision to decisions.jsonl.
	DecisionJournal bool `yaml:"decision_journal"`

	Telemetry otel.Config `yaml:"telemetry"`

	NeedsInit bool `yaml:"-"`
}

// SweeperEnabled reports whether the integrity sweeper should run.
func (c Config) SweeperEnabled() bool {
	return !strings.EqualFold(strings.TrimSpace(c.IntegritySchedule), "off")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, ConfigFileName)
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, PolicyFileName)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|workers=%d|busy=%d|sweep=%s|bootstrap=%t|journal=%t|otel=%t/%s/%s",
		c.DBPath, c.LogLevel, c.WorkerCount, c.BusyRetries, c.IntegritySchedule,
		c.BootstrapAdmin, c.DecisionJournal, c.Telemetry.Enabled, c.Telemetry.Exporter, c.Telemetry.Endpoint)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		WorkerCount:       4,
		BusyRetries:       5,
		IntegritySchedule: DefaultIntegritySchedule,
		BootstrapAdmin:    true,
		DecisionJournal:   true,
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "persona-governance",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MCPGEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mcpgen")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, creating the directory if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mcpgen home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault creates config.yaml with default values unless it exists.
// It reports whether a file was written.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create mcpgen home: %w", err)
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, DBFileName)
	}
	if strings.HasPrefix(cfg.DBPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DBPath = filepath.Join(home, cfg.DBPath[2:])
		}
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BusyRetries < 0 {
		cfg.BusyRetries = 0
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if strings.TrimSpace(cfg.IntegritySchedule) == "" {
		cfg.IntegritySchedule = DefaultIntegritySchedule
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "persona-governance"
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	switch cfg.Telemetry.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("telemetry.exporter %q: want none, stdout or otlp-http", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate %v outside [0,1]", cfg.Telemetry.SampleRate)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("MCPGEN_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MCPGEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MCPGEN_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("MCPGEN_BUSY_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.BusyRetries = v
		}
	}
	if raw := os.Getenv("MCPGEN_INTEGRITY_SCHEDULE"); raw != "" {
		cfg.IntegritySchedule = raw
	}
	if raw := os.Getenv("MCPGEN_BOOTSTRAP_ADMIN"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("MCPGEN_BOOTSTRAP_ADMIN: %w", err)
		}
		cfg.BootstrapAdmin = v
	}
	if raw := os.Getenv("MCPGEN_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
		cfg.Telemetry.Enabled = raw != "none"
	}
	if raw := os.Getenv("MCPGEN_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
	return nil
}
