package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Mode selects how a prompt is executed.
type Mode string

const (
	// ModeQuick runs the assistant program once per prompt.
	ModeQuick Mode = "quick"
	// ModeAgentic routes prompts to a persistent local server over HTTP/SSE.
	ModeAgentic Mode = "agentic"
)

// Config holds runtime parameters for the orchestrator.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	// Path or name of the external assistant program.
	Program string `json:"program" yaml:"program" toml:"program"`
	// Default agent for exchanges.
	Agent string `json:"agent" yaml:"agent" toml:"agent"`
	// Agent substituted by the @plan prompt marker.
	PlanAgent string `json:"plan_agent" yaml:"plan_agent" toml:"plan_agent"`
	// Optional model identifier passed through to the program.
	Model string `json:"model" yaml:"model" toml:"model"`
	// Default execution mode: quick or agentic.
	Mode Mode `json:"mode" yaml:"mode" toml:"mode"`
	// Per-project mode overrides keyed by absolute working directory.
	ProjectModes map[string]Mode `json:"project_modes" yaml:"project_modes" toml:"project_modes"`
	// Hostname the spawned server binds to.
	Hostname string `json:"hostname" yaml:"hostname" toml:"hostname"`
	// Fixed server port; 0 picks a free port.
	Port int `json:"port" yaml:"port" toml:"port"`
	// Per-exchange timeout in seconds; 0 disables the timeout.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	// Root directory for sessions and the server registry.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	// Listen address for the local control API.
	ControlAddr string `json:"control_addr" yaml:"control_addr" toml:"control_addr"`
	// Log level: debug|info|warn|error.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// FromEnv overlays AICTL_* environment variables onto cfg. Unset variables
// leave the corresponding field untouched.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("AICTL_PROGRAM"); v != "" {
		cfg.Program = v
	}
	if v := os.Getenv("AICTL_AGENT"); v != "" {
		cfg.Agent = v
	}
	if v := os.Getenv("AICTL_PLAN_AGENT"); v != "" {
		cfg.PlanAgent = v
	}
	if v := os.Getenv("AICTL_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AICTL_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("AICTL_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("AICTL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AICTL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("AICTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AICTL_CONTROL_ADDR"); v != "" {
		cfg.ControlAddr = v
	}
	if v := os.Getenv("AICTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// ApplyDefaults fills unset fields with package defaults.
func ApplyDefaults(cfg Config) Config {
	if cfg.Program == "" {
		cfg.Program = "opencode"
	}
	if cfg.Agent == "" {
		cfg.Agent = "build"
	}
	if cfg.PlanAgent == "" {
		cfg.PlanAgent = "plan"
	}
	if cfg.Mode != ModeQuick && cfg.Mode != ModeAgentic {
		cfg.Mode = ModeQuick
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "127.0.0.1"
	}
	if cfg.TimeoutSeconds < 0 {
		cfg.TimeoutSeconds = 0
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = "127.0.0.1:7533"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

// ModeFor resolves the execution mode for a working directory, honoring the
// per-project override when present.
func (c Config) ModeFor(dir string) Mode {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if m, ok := c.ProjectModes[dir]; ok && (m == ModeQuick || m == ModeAgentic) {
		return m
	}
	return c.Mode
}

// Timeout returns the configured per-exchange timeout, or 0 when disabled.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func defaultDataDir() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "aictl")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "aictl")
	}
	return filepath.Join(os.TempDir(), "aictl")
}
