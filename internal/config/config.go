package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM    LLMConfig
	Server ServerConfig
	Store  StoreConfig
	Chat   ChatConfig
	Limits LimitsConfig
	Log    LogConfig
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StoreConfig holds the message store configuration
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ChatConfig holds the conversation pipeline tunables
type ChatConfig struct {
	HistoryLimit      int           `mapstructure:"history_limit"`
	ContextBudget     int           `mapstructure:"context_budget"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	PageMaxLimit      int           `mapstructure:"page_max_limit"`
	PageDefaultLimit  int           `mapstructure:"page_default_limit"`
}

// LimitsConfig holds the per-conversation rate limits
type LimitsConfig struct {
	Send    WindowConfig `mapstructure:"send"`
	History WindowConfig `mapstructure:"history"`
}

// WindowConfig is one fixed-window rate limit.
type WindowConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from the config.yaml file.
// CONFIG_PATH overrides the file location when set.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	}

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("store.path", "concierge.db")
	viper.SetDefault("chat.history_limit", 20)
	viper.SetDefault("chat.context_budget", 2048)
	viper.SetDefault("chat.completion_timeout", 30*time.Second)
	viper.SetDefault("chat.page_max_limit", 100)
	viper.SetDefault("chat.page_default_limit", 20)
	viper.SetDefault("limits.send.window", time.Minute)
	viper.SetDefault("limits.send.max_requests", 10)
	viper.SetDefault("limits.history.window", time.Minute)
	viper.SetDefault("limits.history.max_requests", 60)
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
