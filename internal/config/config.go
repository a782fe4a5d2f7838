// Package config provides bridge configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, then an optional local bridge.toml file is layered on top for
// the handful of knobs an operator may want to tune without an image
// rebuild. A missing or partial TOML file never prevents startup — every
// field not present there keeps its environment-derived value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TransportConfig holds control-plane connection parameters.
type TransportConfig struct {
	ControlPlaneURL string
	SandboxID       string
	SessionID       string
	AuthToken       string
}

// SubAgentConfig holds parameters for talking to the local code agent.
type SubAgentConfig struct {
	Port int
}

// HeartbeatConfig controls how often the bridge sends heartbeat events to
// the control plane. The transport's ping/pong keep-alive uses its own
// fixed cadence and is not affected by it.
type HeartbeatConfig struct {
	Interval time.Duration
}

// ReconnectConfig controls the supervisor's backoff policy.
type ReconnectConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// PromptConfig controls the prompt pipeline's wall-clock budget.
type PromptConfig struct {
	Deadline time.Duration
}

// AuditConfig controls the local sqlite command/event ledger.
type AuditConfig struct {
	Enabled bool
	DBPath  string
}

// TelemetryConfig controls OpenTelemetry trace export. Disabled by default:
// most sandboxes have no OTLP collector reachable, and an unconfigured
// exporter would otherwise fail every prompt's span export silently.
type TelemetryConfig struct {
	Enabled bool
}

// GitConfig holds the git-push auxiliary handler's parameters.
type GitConfig struct {
	WorkspaceRoot  string
	RepoOwner      string
	RepoName       string
	GitHubAppToken string
}

// Config holds all bridge configuration.
type Config struct {
	Transport TransportConfig
	SubAgent  SubAgentConfig
	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
	Prompt    PromptConfig
	Audit     AuditConfig
	Git       GitConfig
	Telemetry TelemetryConfig
}

// tomlOverride mirrors the subset of Config an operator can tune via
// bridge.toml. Fields absent from the file are left at their
// environment-derived zero value and simply not applied.
type tomlOverride struct {
	Heartbeat struct {
		IntervalSeconds int `toml:"interval_seconds"`
	} `toml:"heartbeat"`
	Reconnect struct {
		BackoffCapSeconds int `toml:"backoff_cap_seconds"`
	} `toml:"reconnect"`
	Prompt struct {
		DeadlineSeconds int `toml:"deadline_seconds"`
	} `toml:"prompt"`
	Telemetry struct {
		Enabled *bool `toml:"enabled"`
	} `toml:"telemetry"`
}

// Load reads configuration from environment variables and layers an
// optional TOML override file on top. tomlPath may be empty, in which case
// only environment-derived defaults apply.
func Load(tomlPath string) (*Config, error) {
	cfg := &Config{
		Transport: TransportConfig{
			ControlPlaneURL: getEnv("CONTROL_PLANE_URL", ""),
			SandboxID:       getEnv("SANDBOX_ID", ""),
			SessionID:       getEnv("SANDBOX_SESSION_ID", ""),
			AuthToken:       getEnv("SANDBOX_AUTH_TOKEN", ""),
		},
		SubAgent: SubAgentConfig{
			Port: getEnvInt("OPENCODE_PORT", 4096),
		},
		Heartbeat: HeartbeatConfig{
			Interval: getEnvDuration("BRIDGE_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Reconnect: ReconnectConfig{
			BackoffBase: getEnvDuration("BRIDGE_RECONNECT_BACKOFF_BASE", 2*time.Second),
			BackoffCap:  getEnvDuration("BRIDGE_RECONNECT_BACKOFF_CAP", 60*time.Second),
		},
		Prompt: PromptConfig{
			Deadline: getEnvDuration("BRIDGE_PROMPT_DEADLINE", 300*time.Second),
		},
		Audit: AuditConfig{
			Enabled: getEnvBool("BRIDGE_AUDIT_ENABLED", true),
			DBPath:  getEnv("BRIDGE_AUDIT_DB_PATH", "./bridge-audit.db"),
		},
		Git: GitConfig{
			WorkspaceRoot:  getEnv("BRIDGE_WORKSPACE_ROOT", "/workspace"),
			RepoOwner:      getEnv("REPO_OWNER", ""),
			RepoName:       getEnv("REPO_NAME", ""),
			GitHubAppToken: getEnv("GITHUB_APP_TOKEN", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled: getEnvBool("BRIDGE_TELEMETRY_ENABLED", false),
		},
	}

	if tomlPath != "" {
		if err := applyTOMLOverride(cfg, tomlPath); err != nil {
			return nil, err
		}
	}

	// Validation is deferred to the caller: the CLI layer applies flag
	// overrides (sandbox id, session id, control plane URL, token) on top
	// of this env-derived config before anything checks required fields.
	return cfg, nil
}

func applyTOMLOverride(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat override file: %w", err)
	}

	var override tomlOverride
	if _, err := toml.DecodeFile(path, &override); err != nil {
		return fmt.Errorf("config: decode override file %s: %w", path, err)
	}

	if override.Heartbeat.IntervalSeconds > 0 {
		cfg.Heartbeat.Interval = time.Duration(override.Heartbeat.IntervalSeconds) * time.Second
	}
	if override.Reconnect.BackoffCapSeconds > 0 {
		cfg.Reconnect.BackoffCap = time.Duration(override.Reconnect.BackoffCapSeconds) * time.Second
	}
	if override.Prompt.DeadlineSeconds > 0 {
		cfg.Prompt.Deadline = time.Duration(override.Prompt.DeadlineSeconds) * time.Second
	}
	if override.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *override.Telemetry.Enabled
	}
	return nil
}

// Validate checks that the fields required for the bridge to operate at
// all are present. It does not validate collaborator-only fields (e.g.
// REPO_OWNER/REPO_NAME, which only matter once a push command arrives).
func (c *Config) Validate() error {
	if c.Transport.ControlPlaneURL == "" {
		return fmt.Errorf("CONTROL_PLANE_URL cannot be empty")
	}
	if c.Transport.SandboxID == "" {
		return fmt.Errorf("SANDBOX_ID cannot be empty")
	}
	if c.Transport.SessionID == "" {
		return fmt.Errorf("session id cannot be empty (set --session-id)")
	}
	if c.SubAgent.Port <= 0 {
		return fmt.Errorf("OPENCODE_PORT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
