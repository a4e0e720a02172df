package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// QueueConfig controls the durable event queue.
type QueueConfig struct {
	// BatchSize is the number of entries sent per collector batch.
	BatchSize int `yaml:"batch_size"`

	// MaxEntries is the local high watermark. When the persisted queue
	// exceeds it, the oldest entries are trimmed to bound local storage.
	MaxEntries int `yaml:"max_entries"`

	// FlushCron is a standard 5-field cron expression for the periodic
	// flush trigger. Empty disables the schedule (flush still runs on
	// enqueue and on demand).
	FlushCron string `yaml:"flush_cron"`
}

// UpstreamConfig holds the server-side generation settings. The persona
// prompt lives next to the config on the server host and is never sent by
// clients.
type UpstreamConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// TelemetryConfig mirrors the OTel bootstrap options.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ProxyURL is the reply-collaborator endpoint consumed by sessions.
	ProxyURL string `yaml:"proxy_url"`

	// CollectorURL is the event-collector endpoint consumed by the queue.
	CollectorURL string `yaml:"collector_url"`

	// StudyCode, when set, is sent as the x-study-code header on proxy
	// calls and checked by the server when it has one configured.
	StudyCode string `yaml:"study_code"`

	Queue     QueueConfig     `yaml:"queue"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Persona is loaded from <home>/PERSONA.md, not from yaml.
	Persona string `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PersonaPath returns the path to the persona prompt file.
func PersonaPath(homeDir string) string {
	return filepath.Join(homeDir, "PERSONA.md")
}

func defaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1:18790",
		LogLevel:     "info",
		ProxyURL:     "http://127.0.0.1:18790/api/chat",
		CollectorURL: "http://127.0.0.1:18790/api/events",
		Queue: QueueConfig{
			BatchSize:  25,
			MaxEntries: 5000,
			FlushCron:  "* * * * *",
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0.7,
			MaxTokens:   120,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("REFLECTCHAT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".reflectchat")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home dir, applying defaults,
// env overrides and the persona file.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create reflectchat home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadPersona(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 25
	}
	if cfg.Queue.MaxEntries <= 0 {
		cfg.Queue.MaxEntries = 5000
	}
	// The watermark must hold at least one full batch, otherwise trimming
	// could eat entries the next flush is about to send.
	if cfg.Queue.MaxEntries < cfg.Queue.BatchSize {
		cfg.Queue.MaxEntries = cfg.Queue.BatchSize
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = "gpt-4o-mini"
	}
	if cfg.Upstream.APIKeyEnv == "" {
		cfg.Upstream.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Upstream.Temperature <= 0 {
		cfg.Upstream.Temperature = 0.7
	}
	if cfg.Upstream.MaxTokens <= 0 {
		cfg.Upstream.MaxTokens = 120
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("REFLECTCHAT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("REFLECTCHAT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("REFLECTCHAT_PROXY_URL"); raw != "" {
		cfg.ProxyURL = raw
	}
	if raw := os.Getenv("REFLECTCHAT_COLLECTOR_URL"); raw != "" {
		cfg.CollectorURL = raw
	}
	if raw := os.Getenv("REFLECTCHAT_STUDY_CODE"); raw != "" {
		cfg.StudyCode = raw
	}
	if raw := os.Getenv("REFLECTCHAT_QUEUE_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.BatchSize = v
		}
	}
	if raw := os.Getenv("REFLECTCHAT_QUEUE_MAX_ENTRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxEntries = v
		}
	}
	if raw := os.Getenv("OPENAI_MODEL"); raw != "" {
		cfg.Upstream.Model = raw
	}
}

func loadPersona(cfg *Config) {
	if b, err := os.ReadFile(PersonaPath(cfg.HomeDir)); err == nil {
		cfg.Persona = strings.TrimSpace(string(b))
	}
}

// UpstreamAPIKey resolves the upstream key from the configured env var.
func (c Config) UpstreamAPIKey() string {
	return os.Getenv(c.Upstream.APIKeyEnv)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|proxy=%s|collector=%s|batch=%d|max=%d|model=%s",
		c.BindAddr, c.LogLevel, c.ProxyURL, c.CollectorURL,
		c.Queue.BatchSize, c.Queue.MaxEntries, c.Upstream.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes the config back to config.yaml, preserving unknown keys.
func Save(homeDir string, cfg Config) error {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	updated := make(map[string]interface{})
	if err := yaml.Unmarshal(out, &updated); err != nil {
		return fmt.Errorf("remarshal config: %w", err)
	}
	for k, v := range updated {
		raw[k] = v
	}
	final, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(homeDir), final, 0o644)
}
