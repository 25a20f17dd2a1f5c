// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Env         string
	LogLevel    string
	DBPath      string

	Anthropic AnthropicConfig
	MCP       MCPConfig
	Chat      ChatConfig

	TranscriptLog TranscriptLogConfig
}

// AnthropicConfig holds the upstream model settings.
type AnthropicConfig struct {
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
}

// MCPConfig holds the tool subprocess settings.
type MCPConfig struct {
	Command        string
	Args           []string
	WorkingDir     string
	ToolAPIKey     string
	StartupTimeout time.Duration
	CallTimeout    time.Duration
	MaxRestarts    int
	RestartWindow  time.Duration
	RestartDelay   time.Duration
}

// ChatConfig holds per-connection conversation settings.
type ChatConfig struct {
	MaxToolDepth      int
	RateLimitMessages int
	RateLimitWindow   time.Duration
}

// TranscriptLogConfig controls NDJSON transcript logging.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

const defaultSystemPrompt = "You are a helpful assistant. Use the available tools " +
	"when they can answer the user's question, and summarize tool results in plain language."

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DBPath:      getEnv("DB_PATH", "./data/toolbridge.db"),
		Anthropic: AnthropicConfig{
			APIKey:       getEnv("ANTHROPIC_API_KEY", ""),
			Model:        getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			MaxTokens:    getEnvInt("ANTHROPIC_MAX_TOKENS", 4096),
			SystemPrompt: getEnv("SYSTEM_PROMPT", defaultSystemPrompt),
		},
		MCP: MCPConfig{
			Command:        getEnv("MCP_COMMAND", ""),
			Args:           splitArgs(getEnv("MCP_ARGS", "")),
			WorkingDir:     getEnv("MCP_WORKING_DIR", ""),
			ToolAPIKey:     getEnv("TOOL_API_KEY", ""),
			StartupTimeout: getEnvDuration("MCP_STARTUP_TIMEOUT", 30*time.Second),
			CallTimeout:    getEnvDuration("TOOL_CALL_TIMEOUT", 60*time.Second),
			MaxRestarts:    getEnvInt("MCP_MAX_RESTARTS", 3),
			RestartWindow:  getEnvDuration("MCP_RESTART_WINDOW", 5*time.Minute),
			RestartDelay:   getEnvDuration("MCP_RESTART_DELAY", 2*time.Second),
		},
		Chat: ChatConfig{
			MaxToolDepth:      getEnvInt("MAX_TOOL_DEPTH", 10),
			RateLimitMessages: getEnvInt("CHAT_RATE_LIMIT", 20),
			RateLimitWindow:   getEnvDuration("CHAT_RATE_LIMIT_WINDOW", time.Minute),
		},
		TranscriptLog: TranscriptLogConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("ANTHROPIC_MAX_TOKENS must be > 0")
	}
	if c.MCP.Command == "" {
		return fmt.Errorf("MCP_COMMAND is required")
	}
	if c.MCP.MaxRestarts < 0 {
		return fmt.Errorf("MCP_MAX_RESTARTS must be >= 0")
	}
	if c.MCP.StartupTimeout <= 0 {
		return fmt.Errorf("MCP_STARTUP_TIMEOUT must be > 0")
	}
	if c.MCP.CallTimeout <= 0 {
		return fmt.Errorf("TOOL_CALL_TIMEOUT must be > 0")
	}
	if c.Chat.MaxToolDepth <= 0 {
		return fmt.Errorf("MAX_TOOL_DEPTH must be > 0")
	}
	if c.TranscriptLog.Enabled && c.TranscriptLog.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.Env != "" {
		return c.Env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// splitArgs splits a whitespace-separated argument string, dropping empties.
func splitArgs(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
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
