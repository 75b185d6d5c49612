// Package config loads and validates the bot's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML decoding of "60s"-style
// strings.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full bot configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm" validate:"required"`
	MCP     MCPConfig     `yaml:"mcp" validate:"required"`
	Bot     BotConfig     `yaml:"bot"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig points at an OpenAI-compatible chat-completions endpoint.
type LLMConfig struct {
	Model   string `yaml:"model" validate:"required"`
	APIBase string `yaml:"api_base" validate:"omitempty,url"`
	APIKey  string `yaml:"api_key"`
}

// MCPConfig configures the VkusVill tool server connection.
type MCPConfig struct {
	URL               string   `yaml:"url" validate:"required,url"`
	Timeout           Duration `yaml:"timeout"`
	Insecure          bool     `yaml:"insecure"`
	RequestsPerSecond float64  `yaml:"requests_per_second" validate:"gte=0"`
}

// BotConfig tunes conversation behavior.
type BotConfig struct {
	MaxHistoryMessages   int      `yaml:"max_history_messages" validate:"gte=0"`
	MaxTurns             int      `yaml:"max_turns" validate:"gte=0"`
	StreamMinChars       int      `yaml:"stream_min_chars" validate:"gte=0"`
	StreamUpdateInterval Duration `yaml:"stream_update_interval"`
	PromptsDir           string   `yaml:"prompts_dir"`
	SessionIdleEviction  Duration `yaml:"session_idle_eviction"`
}

// StorageConfig enables session persistence when DataDir is set.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration defaults, matching production
// behavior when a field is omitted from the file.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Model: "anthropic/claude-haiku-4-5",
		},
		MCP: MCPConfig{
			URL:               "https://mcp001.vkusvill.ru/mcp",
			Timeout:           Duration(60 * time.Second),
			RequestsPerSecond: 5,
		},
		Bot: BotConfig{
			MaxHistoryMessages:   20,
			MaxTurns:             10,
			StreamMinChars:       100,
			StreamUpdateInterval: Duration(time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads, merges over defaults and validates the file at path.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
