// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	LLM() LLMRouterConfig
	Analysis() AnalysisConfig
	Server() ServerConfig
	Session() SessionConfig
	Run() RunConfig
	SetRunConfig(rc RunConfig)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	LLMCfg      LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	AnalysisCfg AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	ServerCfg   ServerConfig    `mapstructure:"server" yaml:"server"`
	SessionCfg  SessionConfig   `mapstructure:"session" yaml:"session"`
	// RunCfg gets its marching orders from CLI flags, not the config file.
	RunCfg RunConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) LLM() LLMRouterConfig     { return c.LLMCfg }
func (c *Config) Analysis() AnalysisConfig { return c.AnalysisCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Session() SessionConfig   { return c.SessionCfg }
func (c *Config) Run() RunConfig           { return c.RunCfg }

func (c *Config) SetRunConfig(rc RunConfig) { c.RunCfg = rc }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the model routing logic. APIKey is shared by all
// models that do not set their own.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	VisionModel          string                    `mapstructure:"vision_model" yaml:"vision_model"`
	APIKey               string                    `mapstructure:"api_key" yaml:"-"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// ModelConfig resolves the configuration for a named model, synthesizing one
// from the router-level settings when the model has no explicit entry.
func (r LLMRouterConfig) ModelConfig(name string) LLMModelConfig {
	cfg, ok := r.Models[name]
	if !ok {
		cfg = LLMModelConfig{Provider: ProviderGemini, Model: name}
	}
	if cfg.Model == "" {
		cfg.Model = name
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderGemini
	}
	if cfg.APIKey == "" {
		cfg.APIKey = r.APIKey
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 60 * time.Second
	}
	return cfg
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"-"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit     float64           `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second, 0 = unlimited.
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// AnalysisConfig tunes the failure-analysis pipeline.
type AnalysisConfig struct {
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	MaxParallel     int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	ScreenshotLimit int           `mapstructure:"screenshot_limit" yaml:"screenshot_limit"`
}

// ServerConfig holds settings for the HTTP upload surface.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// SessionConfig tunes the ephemeral trace session store.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries"`
}

// RunConfig carries the artifact paths for a single CLI analysis run.
type RunConfig struct {
	ReportPath      string
	TracePath       string
	ScreenshotPaths []string
	VideoPath       string
	ContextPath     string
	ArchivePath     string
	OutputPath      string
	Pretty          bool
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "verdict-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.vision_model", "gemini-2.5-flash")

	// -- Analysis --
	v.SetDefault("analysis.run_timeout", "90s")
	v.SetDefault("analysis.max_parallel", 4)
	v.SetDefault("analysis.screenshot_limit", 1)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8089")
	v.SetDefault("server.max_upload_bytes", 100*1024*1024)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.shutdown_grace", "10s")

	// -- Session --
	v.SetDefault("session.ttl", "30m")
	v.SetDefault("session.sweep_interval", "5m")
	v.SetDefault("session.max_entries", 64)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "VERDICT_LLM_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AnalysisCfg.Validate(); err != nil {
		return fmt.Errorf("analysis configuration invalid: %w", err)
	}
	if err := c.ServerCfg.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the analysis pipeline settings.
func (a *AnalysisConfig) Validate() error {
	if a.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be a positive duration")
	}
	if a.MaxParallel <= 0 {
		return fmt.Errorf("max_parallel must be a positive integer")
	}
	return nil
}

// Validate checks the HTTP server settings.
func (s *ServerConfig) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be a positive integer")
	}
	return nil
}

// Validate checks the session store settings.
func (s *SessionConfig) Validate() error {
	if s.TTL <= 0 {
		return fmt.Errorf("ttl must be a positive duration")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be a positive duration")
	}
	if s.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be a positive integer")
	}
	return nil
}
