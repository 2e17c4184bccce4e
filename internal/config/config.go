// Package config handles agentbridge configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AgentType identifies a supported coding agent.
type AgentType string

const (
	AgentClaude AgentType = "claude"
	AgentGoose  AgentType = "goose"
	AgentAider  AgentType = "aider"
	AgentCodex  AgentType = "codex"
	AgentCustom AgentType = "custom"
)

// KnownAgentTypes lists every agent type the supervisor understands,
// in detection order.
var KnownAgentTypes = []AgentType{AgentClaude, AgentGoose, AgentAider, AgentCodex, AgentCustom}

// ParseAgentType validates a user-supplied agent name.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(s)
	for _, known := range KnownAgentTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown agent type %q (known: claude, goose, aider, codex, custom)", s)
}

// credentialEnvChains maps each agent type to the environment variables
// consulted, in order, when no explicit credential is configured.
var credentialEnvChains = map[AgentType][]string{
	AgentClaude: {"ANTHROPIC_API_KEY"},
	AgentGoose:  {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	AgentAider:  {"OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
	AgentCodex:  {"OPENAI_API_KEY"},
	AgentCustom: {"AGENT_API_KEY"},
}

// CredentialEnvChain returns the env fallback chain for an agent type.
func CredentialEnvChain(t AgentType) []string {
	return credentialEnvChains[t]
}

// Config is the root configuration for agentbridge.
type Config struct {
	Server  ServerConfig               `yaml:"server"`
	Agents  map[AgentType]AgentConfig  `yaml:"agents"`
	Bridge  BridgeConfig               `yaml:"bridge"`
	Retry   RetryConfig                `yaml:"retry"`
	Monitor MonitorConfig              `yaml:"monitor"`
	Logging LoggingConfig              `yaml:"logging"`
	Journal JournalConfig              `yaml:"journal"`
}

// ServerConfig describes the Agent API server the bridge fronts.
type ServerConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Binary  string        `yaml:"binary"` // agentapi executable name
	Timeout time.Duration `yaml:"timeout"`
}

// BaseURL returns the Agent API base URL.
func (s ServerConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// AgentConfig describes one coding agent.
type AgentConfig struct {
	Binary         string `yaml:"binary"`
	InstallCommand string `yaml:"install_command"`
	Model          string `yaml:"model"`
	Provider       string `yaml:"provider"`
	ConfigFile     string `yaml:"config_file"`
	Credential     string `yaml:"credential"` // explicit API key; env chain used when empty
	AutoReconnect  bool   `yaml:"auto_reconnect"`
}

// BridgeConfig tunes the event bridge.
type BridgeConfig struct {
	BufferSize           int           `yaml:"buffer_size"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PollCadence          time.Duration `yaml:"poll_cadence"`
	ScreenStream         bool          `yaml:"screen_stream"`
}

// RetryConfig defines HTTP retry behavior for the Agent API client.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// MonitorConfig tunes the supervisor monitor loop and operation timeouts.
type MonitorConfig struct {
	IntervalFactor int           `yaml:"interval_factor"` // base interval = PollCadence * factor
	FailureCap     time.Duration `yaml:"failure_cap"`
	MaxFailures    int           `yaml:"max_failures"`
	Timeouts       TimeoutConfig `yaml:"timeouts"`
}

// TimeoutConfig holds per-operation deadlines.
type TimeoutConfig struct {
	Detect  time.Duration `yaml:"detect"`
	Install time.Duration `yaml:"install"`
	Start   time.Duration `yaml:"start"`
	Stop    time.Duration `yaml:"stop"`
	Switch  time.Duration `yaml:"switch"`
	Restart time.Duration `yaml:"restart"`
}

// LoggingConfig mirrors internal/logging.Config in yaml form.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	SentryDSN string `yaml:"sentry_dsn"`
	Env       string `yaml:"env"`
}

// JournalConfig configures the dispatched-event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Keep    int    `yaml:"keep"` // rows retained by Prune
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Host:    "localhost",
			Port:    3284,
			Binary:  "agentapi",
			Timeout: 30 * time.Second,
		},
		Agents: map[AgentType]AgentConfig{
			AgentClaude: {Binary: "claude", InstallCommand: "npm install -g @anthropic-ai/claude-code", AutoReconnect: true},
			AgentGoose:  {Binary: "goose", InstallCommand: "pipx install goose-ai", AutoReconnect: true},
			AgentAider:  {Binary: "aider", InstallCommand: "pipx install aider-chat", AutoReconnect: true},
			AgentCodex:  {Binary: "codex", InstallCommand: "npm install -g @openai/codex", AutoReconnect: true},
		},
		Bridge: BridgeConfig{
			BufferSize:           1024,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
			PollCadence:          25 * time.Millisecond,
			ScreenStream:         true,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Initial:     time.Second,
			Max:         30 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		Monitor: MonitorConfig{
			IntervalFactor: 200,
			FailureCap:     60 * time.Second,
			MaxFailures:    5,
			Timeouts: TimeoutConfig{
				Detect:  15 * time.Second,
				Install: 120 * time.Second,
				Start:   30 * time.Second,
				Stop:    10 * time.Second,
				Switch:  45 * time.Second,
				Restart: 60 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
			Env:   "development",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(homeDir, ".local/share/agentbridge/journal.db"),
			Keep:    10000,
		},
	}
}

// Load reads configuration from the default path, falling back to defaults
// when no file exists. A .env file in the working directory is loaded first
// so credential env chains can see it.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	// Best effort: missing .env is the common case.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expandEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("AGENTBRIDGE_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/agentbridge/config.yaml")
}

// ResolveCredential returns the API key for an agent: the explicit config
// value when set, else the first non-empty env var in the agent's fallback
// chain. The second return lists the envs consulted (for error messages).
func (c *Config) ResolveCredential(t AgentType) (string, []string) {
	if ac, ok := c.Agents[t]; ok && ac.Credential != "" {
		return ac.Credential, nil
	}
	chain := CredentialEnvChain(t)
	for _, env := range chain {
		if v := os.Getenv(env); v != "" {
			return v, chain
		}
	}
	return "", chain
}

// Agent returns the config block for an agent type, zero value when absent.
func (c *Config) Agent(t AgentType) AgentConfig {
	return c.Agents[t]
}

func (c *Config) expandEnvVars() {
	c.Logging.SentryDSN = os.ExpandEnv(c.Logging.SentryDSN)
	for t, ac := range c.Agents {
		ac.Credential = os.ExpandEnv(ac.Credential)
		c.Agents[t] = ac
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Bridge.BufferSize <= 0 {
		return fmt.Errorf("bridge.buffer_size must be positive, got %d", c.Bridge.BufferSize)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be >= 1.0, got %g", c.Retry.Multiplier)
	}
	for t := range c.Agents {
		if _, err := ParseAgentType(string(t)); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
	}
	return nil
}
