package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAgentType(t *testing.T) {
	tests := []struct {
		in      string
		want    AgentType
		wantErr bool
	}{
		{"claude", AgentClaude, false},
		{"goose", AgentGoose, false},
		{"aider", AgentAider, false},
		{"codex", AgentCodex, false},
		{"custom", AgentCustom, false},
		{"gpt", "", true},
		{"", "", true},
		{"Claude", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAgentType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAgentType(%q): expected error, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAgentType(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAgentType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveCredential(t *testing.T) {
	t.Run("ExplicitConfigWins", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "env-key")
		cfg := DefaultConfig()
		ac := cfg.Agents[AgentClaude]
		ac.Credential = "config-key"
		cfg.Agents[AgentClaude] = ac

		key, _ := cfg.ResolveCredential(AgentClaude)
		if key != "config-key" {
			t.Errorf("expected explicit credential to win, got %q", key)
		}
	})

	t.Run("EnvFallback", func(t *testing.T) {
		t.Setenv("GOOGLE_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "gemini-key")
		cfg := DefaultConfig()

		key, chain := cfg.ResolveCredential(AgentGoose)
		if key != "gemini-key" {
			t.Errorf("expected second env in chain, got %q", key)
		}
		if len(chain) != 2 || chain[0] != "GOOGLE_API_KEY" {
			t.Errorf("unexpected chain %v", chain)
		}
	})

	t.Run("MissingEverywhere", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		cfg := DefaultConfig()

		key, chain := cfg.ResolveCredential(AgentCodex)
		if key != "" {
			t.Errorf("expected empty credential, got %q", key)
		}
		if len(chain) != 1 || chain[0] != "OPENAI_API_KEY" {
			t.Errorf("expected chain naming consulted envs, got %v", chain)
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.BaseURL() != "http://localhost:3284" {
		t.Errorf("unexpected base URL %q", cfg.Server.BaseURL())
	}
	if cfg.Bridge.BufferSize != 1024 {
		t.Errorf("expected buffer size 1024, got %d", cfg.Bridge.BufferSize)
	}
	if cfg.Monitor.Timeouts.Detect != 15*time.Second {
		t.Errorf("expected 15s detect timeout, got %v", cfg.Monitor.Timeouts.Detect)
	}
	if cfg.Monitor.IntervalFactor != 200 {
		t.Errorf("expected interval factor 200, got %d", cfg.Monitor.IntervalFactor)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 4000
bridge:
  buffer_size: 256
agents:
  claude:
    model: opus
    auto_reconnect: true
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("expected port override 4000, got %d", cfg.Server.Port)
	}
	if cfg.Bridge.BufferSize != 256 {
		t.Errorf("expected buffer override 256, got %d", cfg.Bridge.BufferSize)
	}
	if cfg.Agents[AgentClaude].Model != "opus" {
		t.Errorf("expected claude model opus, got %q", cfg.Agents[AgentClaude].Model)
	}
	// Defaults survive partial override.
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 3284 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroPort", func(c *Config) { c.Server.Port = 0 }},
		{"NegativeBuffer", func(c *Config) { c.Bridge.BufferSize = -1 }},
		{"SubUnityMultiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"UnknownAgentKey", func(c *Config) { c.Agents["gpt"] = AgentConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
