// Package agent implements the Agent Relay Client and the Agent Task
// Pipeline: the persistent relay connection, the per-repository working
// copy manager, and the chat/autonomous-task/repo-list request handlers.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// filePermissions and dirPermissions match this domain's own convention
// of writing secrets and their containing directory with tight modes.
const (
	filePermissions = 0o600
	dirPermissions  = 0o700
)

// Config is the opaque key/value store named in the persisted-state
// section of the control-plane spec: identity, forge token, relay URL,
// chosen auth mode, and an optional provider key, read by the agent
// process on boot.
type Config struct {
	Identity    string `json:"identity"`
	ForgeToken  string `json:"forgeToken"`
	RelayURL    string `json:"relayUrl"`
	AuthMode    string `json:"authMode"`
	ProviderKey string `json:"providerKey,omitempty"`
}

// Five environment variables override the config store: a variable that
// is set replaces the stored field, and also stands in for it when the
// store is unreadable. Names chosen and documented here, as the spec
// leaves the exact names an implementation choice.
const (
	EnvIdentity    = "PILOTBRIDGE_AGENT_IDENTITY"
	EnvRelayURL    = "PILOTBRIDGE_RELAY_URL"
	EnvForgeToken  = "PILOTBRIDGE_FORGE_TOKEN"
	EnvAuthMode    = "PILOTBRIDGE_AUTH_MODE"
	EnvProviderKey = "PILOTBRIDGE_PROVIDER_KEY"
)

// configDir returns ~/.config/pilotbridge, following
// os.UserConfigDir with a $HOME/.config fallback.
func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", fmt.Errorf("cannot determine config directory: %w", homeErr)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pilotbridge"), nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.json"), nil
}

// LoadConfig reads the config store (an unreadable or malformed store
// leaves every field empty), then applies applyEnvOverrides, so each set
// environment variable takes precedence over the stored value. The
// returned error is always nil; callers must still check Validate.
func LoadConfig() (Config, error) {
	var cfg Config

	path, err := configPath()
	if err == nil {
		if data, readErr := os.ReadFile(path); readErr == nil {
			_ = json.Unmarshal(data, &cfg)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvIdentity); v != "" {
		c.Identity = v
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv(EnvForgeToken); v != "" {
		c.ForgeToken = v
	}
	if v := os.Getenv(EnvAuthMode); v != "" {
		c.AuthMode = v
	}
	if v := os.Getenv(EnvProviderKey); v != "" {
		c.ProviderKey = v
	}
}

// Validate reports a fatal configuration error (missing forge token,
// relay URL, or identity) the process surfaces per §6: exit 1 with an
// operator-readable diagnostic.
func (c Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("missing agent identity (run `pilotbridge-agent setup` or set %s)", EnvIdentity)
	}
	if c.RelayURL == "" {
		return fmt.Errorf("missing relay URL (run `pilotbridge-agent setup` or set %s)", EnvRelayURL)
	}
	if c.ForgeToken == "" {
		return fmt.Errorf("missing forge token (run `pilotbridge-agent setup` or set %s)", EnvForgeToken)
	}
	return nil
}

// SaveConfig persists cfg to the config store, creating the containing
// directory if needed.
func SaveConfig(cfg Config) error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path, err := configPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// NewIdentity generates a fresh opaque AgentIdentity for first-run.
func NewIdentity() string {
	return uuid.NewString()
}
