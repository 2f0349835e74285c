// Package config handles Mnemo configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mnemo/config.yaml, /etc/mnemo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mnemo", "config.yaml"))
	}

	paths = append(paths, "/etc/mnemo/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mnemo configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Store     StoreConfig     `yaml:"store"`
	Todo      TodoConfig      `yaml:"todo"`
	Agent     AgentConfig     `yaml:"agent"`
	StepLog   StepLogConfig   `yaml:"steplog"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"` // ollama, anthropic
	MaxTokens int    `yaml:"max_tokens"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// Store backends.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// StoreConfig selects and configures the conversation memory backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite (default), firestore, memory
	// Path is the SQLite database file. Defaults to data_dir/mnemo.db.
	Path string `yaml:"path"`
	// FirestoreProject is the GCP project ID for the firestore backend.
	FirestoreProject string `yaml:"firestore_project"`
	// CacheFacts enables the in-process fact cache in front of the backend.
	CacheFacts bool `yaml:"cache_facts"`
	// CacheMaxFacts bounds the fact cache by total cached fact count.
	CacheMaxFacts int64 `yaml:"cache_max_facts"`
}

// TodoConfig configures the to-do tool's storage.
type TodoConfig struct {
	Path string `yaml:"path"` // Defaults to data_dir/todo.db.
}

// AgentConfig bounds the turn controller.
type AgentConfig struct {
	MaxToolLoops    int `yaml:"max_tool_loops"`
	TurnTimeoutSec  int `yaml:"turn_timeout_sec"`
	ModelTimeoutSec int `yaml:"model_timeout_sec"`
	ToolTimeoutSec  int `yaml:"tool_timeout_sec"`
}

// TurnTimeout returns the whole-turn deadline.
func (c AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// ModelTimeout returns the per-generation deadline.
func (c AgentConfig) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool-invocation deadline.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// StepLogConfig configures the asynchronous turn logger.
type StepLogConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// MQTTConfig configures the optional event forwarder.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. A .env file next to the
// config file, if present, is loaded into the environment first so that
// ${VAR} references can resolve against it. Variables already set in the
// process environment win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "mnemo.db")
	}
	if c.Store.CacheMaxFacts == 0 {
		c.Store.CacheMaxFacts = 10000
	}
	if c.Todo.Path == "" {
		c.Todo.Path = filepath.Join(c.DataDir, "todo.db")
	}
	if c.Agent.MaxToolLoops == 0 {
		c.Agent.MaxToolLoops = 5
	}
	if c.Agent.TurnTimeoutSec == 0 {
		c.Agent.TurnTimeoutSec = 300
	}
	if c.Agent.ModelTimeoutSec == 0 {
		c.Agent.ModelTimeoutSec = 120
	}
	if c.Agent.ToolTimeoutSec == 0 {
		c.Agent.ToolTimeoutSec = 30
	}
	if c.StepLog.QueueSize == 0 {
		c.StepLog.QueueSize = 256
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mnemo"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mnemo"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (valid: sqlite, firestore, memory)", c.Store.Backend)
	}
	if c.Agent.MaxToolLoops < 1 {
		return fmt.Errorf("agent.max_tool_loops must be positive, got %d", c.Agent.MaxToolLoops)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	for _, m := range c.Models.Available {
		if m.Provider != "ollama" && m.Provider != "anthropic" {
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}

// MaxTokensFor returns the configured output token limit for a model,
// or 0 when none is set.
func (c *Config) MaxTokensFor(model string) int {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.MaxTokens
		}
	}
	return 0
}
