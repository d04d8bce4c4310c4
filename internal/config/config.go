// Package config loads the pipeline's layered configuration: built-in
// defaults, an optional YAML file, then environment variables (highest
// precedence), matching spec.md §6's env table exactly — same keys, same
// exact-string boolean parsing, same numeric fallback-to-default behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// WatchedRepo is one entry of WATCHED_REPOS: a repo path, its test command,
// an optional prompt-prefix file, and whether PR auto-merge is enabled.
type WatchedRepo struct {
	Path       string `yaml:"path"`
	TestCmd    string `yaml:"test_cmd"`
	PromptFile string `yaml:"prompt_file,omitempty"`
	AutoMerge  bool   `yaml:"auto_merge"`
}

// Config is the fully-resolved process configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	MaxBacklogSize    int    `yaml:"max_backlog_size"`
	ContainerMemoryMB int64  `yaml:"container_memory_mb"`
	WebPort           int    `yaml:"web_port"`
	TickIntervalS     int64  `yaml:"tick_interval_s"`
	SeedCooldownS     int64  `yaml:"seed_cooldown_s"`
	ContinuousMode    bool   `yaml:"continuous_mode"`
	PipelineAutoMerge bool   `yaml:"pipeline_auto_merge"`
	WhatsAppEnabled   bool   `yaml:"whatsapp_enabled"`
	DiscordEnabled    bool   `yaml:"discord_enabled"`
	PipelineRepo      string `yaml:"pipeline_repo"`
	PipelineTestCmd   string `yaml:"pipeline_test_cmd"`

	WatchedRepos []WatchedRepo `yaml:"watched_repos"`

	// Ambient fields with no documented env var: YAML-only, defaulted.
	AgentTimeoutS int    `yaml:"agent_timeout_s"`
	BeginMarker   string `yaml:"begin_marker"`
	EndMarker     string `yaml:"end_marker"`
	LogLevel      string `yaml:"log_level"`
	DockerImage   string `yaml:"docker_image"`
}

func defaultConfig() Config {
	return Config{
		MaxBacklogSize:    5,
		ContainerMemoryMB: 1024,
		WebPort:           3131,
		TickIntervalS:     30,
		SeedCooldownS:     3600,
		ContinuousMode:    false,
		PipelineAutoMerge: true,
		AgentTimeoutS:     600,
		BeginMarker:       ">>>PHASE_RESULT_BEGIN<<<",
		EndMarker:         ">>>PHASE_RESULT_END<<<",
		LogLevel:          "info",
		DockerImage:       "pipelined-agent:latest",
	}
}

// HomeDir resolves the directory config.yaml is read from.
func HomeDir() string {
	if override := os.Getenv("PIPELINED_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pipelined")
}

// ConfigPath returns the YAML file path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "pipeline.yaml")
}

// Load resolves the full layered config: defaults, then an optional YAML
// file, then environment variable overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pipelined home: %w", err)
	}

	if err := loadYAMLFile(ConfigPath(cfg.HomeDir), &cfg); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.MaxBacklogSize <= 0 {
		cfg.MaxBacklogSize = 5
	}
	if cfg.ContainerMemoryMB <= 0 {
		cfg.ContainerMemoryMB = 1024
	}
	if cfg.WebPort <= 0 {
		cfg.WebPort = 3131
	}
	if cfg.TickIntervalS <= 0 {
		cfg.TickIntervalS = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// applyEnvOverrides implements spec.md §6's env table exactly: numeric
// parse failures fall back silently to whatever value was already set
// (default or YAML), and booleans recognize only the lowercase exact
// strings "true"/"false" — anything else leaves the existing value alone.
func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MAX_BACKLOG_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.MaxBacklogSize = v
		}
	}
	if raw := os.Getenv("CONTAINER_MEMORY_MB"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			cfg.ContainerMemoryMB = v
		}
	}
	if raw := os.Getenv("WEB_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 && v <= 65535 {
			cfg.WebPort = v
		}
	}
	if raw := os.Getenv("TICK_INTERVAL_S"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			cfg.TickIntervalS = v
		}
	}
	if raw := os.Getenv("SEED_COOLDOWN_S"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.SeedCooldownS = v
		}
	}
	if raw, ok := os.LookupEnv("CONTINUOUS_MODE"); ok {
		cfg.ContinuousMode = raw == "true"
	}
	if raw, ok := os.LookupEnv("PIPELINE_AUTO_MERGE"); ok {
		if raw == "false" {
			cfg.PipelineAutoMerge = false
		} else if raw == "true" {
			cfg.PipelineAutoMerge = true
		}
	}
	if raw, ok := os.LookupEnv("WHATSAPP_ENABLED"); ok {
		cfg.WhatsAppEnabled = raw == "true"
	}
	if raw, ok := os.LookupEnv("DISCORD_ENABLED"); ok {
		cfg.DiscordEnabled = raw == "true"
	}
	if raw := os.Getenv("PIPELINE_REPO"); raw != "" {
		cfg.PipelineRepo = raw
	}
	if raw := os.Getenv("PIPELINE_TEST_CMD"); raw != "" {
		cfg.PipelineTestCmd = raw
	}
	if raw := os.Getenv("WATCHED_REPOS"); raw != "" {
		cfg.WatchedRepos = ParseWatchedRepos(raw, cfg.PipelineRepo)
	}
}

// ParseWatchedRepos implements spec.md §6's WATCHED_REPOS grammar:
// pipe-separated "path:test_cmd[:prompt_file]" entries. A trailing
// "!manual" suffix on test_cmd disables auto-merge for that entry and is
// stripped before storage. Whitespace around every colon-delimited field
// is trimmed. An entry duplicating primaryRepo's path is silently skipped.
func ParseWatchedRepos(raw, primaryRepo string) []WatchedRepo {
	var repos []WatchedRepo
	for _, entry := range strings.Split(raw, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.SplitN(entry, ":", 3)
		path := strings.TrimSpace(fields[0])
		if path == "" || path == primaryRepo {
			continue
		}
		repo := WatchedRepo{Path: path, AutoMerge: true}
		if len(fields) > 1 {
			repo.TestCmd = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			repo.PromptFile = strings.TrimSpace(fields[2])
		}
		if strings.HasSuffix(repo.TestCmd, "!manual") {
			repo.TestCmd = strings.TrimSpace(strings.TrimSuffix(repo.TestCmd, "!manual"))
			repo.AutoMerge = false
		}
		repos = append(repos, repo)
	}
	return repos
}
