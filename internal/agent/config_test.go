package agent

import "testing"

func TestConfig_Validate_MissingFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing identity", Config{RelayURL: "wss://relay.example", ForgeToken: "tok"}},
		{"missing relay url", Config{Identity: "agent-1", ForgeToken: "tok"}},
		{"missing forge token", Config{Identity: "agent-1", RelayURL: "wss://relay.example"}},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestConfig_Validate_Complete(t *testing.T) {
	cfg := Config{Identity: "agent-1", RelayURL: "wss://relay.example", ForgeToken: "tok"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvIdentity, "env-identity")
	t.Setenv(EnvRelayURL, "wss://env-relay.example")
	t.Setenv(EnvForgeToken, "env-token")

	cfg := Config{}
	cfg.applyEnvOverrides()

	if cfg.Identity != "env-identity" || cfg.RelayURL != "wss://env-relay.example" || cfg.ForgeToken != "env-token" {
		t.Fatalf("expected env overrides applied, got %+v", cfg)
	}
}
