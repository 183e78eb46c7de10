package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Session  SessionConfig  `mapstructure:"session"`
	Database DatabaseConfig `mapstructure:"database"`
	Admin    AdminConfig    `mapstructure:"admin"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// Peers whose X-Forwarded-For header is honoured.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// LLMConfig holds the completion provider configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
}

// SessionConfig bounds session lifetime, budget and admission.
type SessionConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxMessages      int           `mapstructure:"max_messages"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
	TrustedAddresses []string      `mapstructure:"trusted_addresses"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AdminConfig holds the credential guarding admin routes.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MCPConfig toggles the MCP inspection endpoint.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig holds the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{"127.0.0.1", "::1"})

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.retries", 3)

	v.SetDefault("session.timeout", time.Hour)
	v.SetDefault("session.max_messages", 20)
	v.SetDefault("session.cooldown", time.Minute)
	v.SetDefault("session.reap_interval", 5*time.Minute)
	v.SetDefault("session.trusted_addresses", []string{"127.0.0.1", "::1"})

	v.SetDefault("database.path", "data/chatbot.db")
	v.SetDefault("admin.username", "")
	v.SetDefault("admin.password", "")
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("log.level", "info")
}

// Load loads the configuration from config.yaml (or CONFIG_PATH), layering
// CHATBROKER_* environment variables on top. OPENAI_API_KEY overrides llm.api_key.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("chatbroker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "CHATBROKER_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks that the session limits and required fields make sense.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port cannot be empty")
	}
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}
	if c.Session.Timeout <= 0 {
		return errors.New("session.timeout must be > 0")
	}
	if c.Session.MaxMessages <= 0 {
		return errors.New("session.max_messages must be > 0")
	}
	if c.Session.Cooldown < 0 {
		return errors.New("session.cooldown must be >= 0")
	}
	if c.Session.ReapInterval <= 0 {
		return errors.New("session.reap_interval must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be > 0")
	}
	if c.LLM.Retries < 0 || c.LLM.Retries > 5 {
		return errors.New("llm.retries must be between 0 and 5")
	}
	if c.Admin.Username == "" || c.Admin.Password == "" {
		return errors.New("admin.username and admin.password are required")
	}
	return nil
}
