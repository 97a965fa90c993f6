// Package config loads and validates the runtime configuration file.
package config

import (
	"fmt"
	"time"
)

// Config is the full configuration surface. Durations are carried as whole
// seconds in the file; the accessor methods convert them.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// MemoryTTLSeconds evicts sessions idle longer than this from the pool.
	MemoryTTLSeconds int `yaml:"memory_ttl_seconds" json:"memory_ttl_seconds"`
	// MaxMemoryItems caps the pool; LRU eviction applies above it.
	MaxMemoryItems int `yaml:"max_memory_items" json:"max_memory_items"`
	// AutoCleanIntervalSeconds is the eviction sweep cadence.
	AutoCleanIntervalSeconds int `yaml:"auto_clean_interval_seconds" json:"auto_clean_interval_seconds"`
	// MaxIterations caps the agent loop.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// RequestIdleTimeoutSeconds ends an SSE stream that produced nothing.
	RequestIdleTimeoutSeconds int `yaml:"request_idle_timeout_seconds" json:"request_idle_timeout_seconds"`
	// LLMRequestTimeoutSeconds bounds one non-streaming LLM call.
	LLMRequestTimeoutSeconds int `yaml:"llm_request_timeout_seconds" json:"llm_request_timeout_seconds"`
	// ToolDefaultTimeoutSeconds bounds tool calls whose descriptor sets none.
	ToolDefaultTimeoutSeconds int `yaml:"tool_default_timeout_seconds" json:"tool_default_timeout_seconds"`
	// HookDefaultTimeoutSeconds bounds hook handlers without their own.
	HookDefaultTimeoutSeconds int `yaml:"hook_default_timeout_seconds" json:"hook_default_timeout_seconds"`
	// LongResponseMaxContinuations caps continue follow-ups per call.
	LongResponseMaxContinuations int `yaml:"long_response_max_continuations" json:"long_response_max_continuations"`

	// SystemPrompt is the default agent system prompt.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`

	Endpoints     []Endpoint          `yaml:"endpoints" json:"endpoints"`
	Skills        SkillsConfig        `yaml:"skills,omitempty" json:"skills,omitempty"`
	Sandbox       SandboxConfig       `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// Endpoint is one LLM backend in the rotation pool.
type Endpoint struct {
	BaseURL     string         `yaml:"base_url" json:"base_url"`
	APIKey      string         `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Model       string         `yaml:"model" json:"model"`
	Multimodal  bool           `yaml:"multimodal,omitempty" json:"multimodal,omitempty"`
	Temperature *float64       `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int            `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP        *float64       `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	ExtraBody   map[string]any `yaml:"extra_body,omitempty" json:"extra_body,omitempty"`
}

// SkillsConfig locates skill roots and selects the access mode.
type SkillsConfig struct {
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Watch bool     `yaml:"watch,omitempty" json:"watch,omitempty"`
	// Mode is activation or filesystem.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// SandboxConfig points at the remote sandbox service.
type SandboxConfig struct {
	BaseURL        string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Workdir        string `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// ObservabilityConfig selects the trace exporter. An empty OTLP endpoint
// leaves tracing disabled.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// Default returns the configuration with every defaultable field filled.
func Default() *Config {
	return &Config{
		ListenAddr:                   ":8080",
		LogLevel:                     "info",
		MemoryTTLSeconds:             3600,
		MaxMemoryItems:               1000,
		AutoCleanIntervalSeconds:     300,
		MaxIterations:                10,
		RequestIdleTimeoutSeconds:    120,
		LLMRequestTimeoutSeconds:     120,
		ToolDefaultTimeoutSeconds:    30,
		HookDefaultTimeoutSeconds:    5,
		LongResponseMaxContinuations: 5,
		Skills:                       SkillsConfig{Mode: "activation"},
		Sandbox:                      SandboxConfig{TimeoutSeconds: 30},
		Observability:                ObservabilityConfig{ServiceName: "alphora"},
	}
}

// applyDefaults fills zero-valued fields from Default.
func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.MemoryTTLSeconds == 0 {
		c.MemoryTTLSeconds = d.MemoryTTLSeconds
	}
	if c.MaxMemoryItems == 0 {
		c.MaxMemoryItems = d.MaxMemoryItems
	}
	if c.AutoCleanIntervalSeconds == 0 {
		c.AutoCleanIntervalSeconds = d.AutoCleanIntervalSeconds
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.RequestIdleTimeoutSeconds == 0 {
		c.RequestIdleTimeoutSeconds = d.RequestIdleTimeoutSeconds
	}
	if c.LLMRequestTimeoutSeconds == 0 {
		c.LLMRequestTimeoutSeconds = d.LLMRequestTimeoutSeconds
	}
	if c.ToolDefaultTimeoutSeconds == 0 {
		c.ToolDefaultTimeoutSeconds = d.ToolDefaultTimeoutSeconds
	}
	if c.HookDefaultTimeoutSeconds == 0 {
		c.HookDefaultTimeoutSeconds = d.HookDefaultTimeoutSeconds
	}
	if c.LongResponseMaxContinuations == 0 {
		c.LongResponseMaxContinuations = d.LongResponseMaxContinuations
	}
	if c.Skills.Mode == "" {
		c.Skills.Mode = d.Skills.Mode
	}
	if c.Sandbox.TimeoutSeconds == 0 {
		c.Sandbox.TimeoutSeconds = d.Sandbox.TimeoutSeconds
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = d.Observability.ServiceName
	}
}

// Validate checks the configuration's internal consistency.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config: at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if ep.BaseURL == "" {
			return fmt.Errorf("config: endpoints[%d] missing base_url", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("config: endpoints[%d] missing model", i)
		}
	}
	switch c.Skills.Mode {
	case "activation", "filesystem":
	default:
		return fmt.Errorf("config: unknown skills mode %q", c.Skills.Mode)
	}
	for name, v := range map[string]int{
		"memory_ttl_seconds":              c.MemoryTTLSeconds,
		"max_memory_items":                c.MaxMemoryItems,
		"auto_clean_interval_seconds":     c.AutoCleanIntervalSeconds,
		"max_iterations":                  c.MaxIterations,
		"request_idle_timeout_seconds":    c.RequestIdleTimeoutSeconds,
		"llm_request_timeout_seconds":     c.LLMRequestTimeoutSeconds,
		"tool_default_timeout_seconds":    c.ToolDefaultTimeoutSeconds,
		"hook_default_timeout_seconds":    c.HookDefaultTimeoutSeconds,
		"long_response_max_continuations": c.LongResponseMaxContinuations,
	} {
		if v < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	return nil
}

// Duration accessors for the seconds-typed fields.

func (c *Config) MemoryTTL() time.Duration {
	return time.Duration(c.MemoryTTLSeconds) * time.Second
}

func (c *Config) AutoCleanInterval() time.Duration {
	return time.Duration(c.AutoCleanIntervalSeconds) * time.Second
}

func (c *Config) RequestIdleTimeout() time.Duration {
	return time.Duration(c.RequestIdleTimeoutSeconds) * time.Second
}

func (c *Config) LLMRequestTimeout() time.Duration {
	return time.Duration(c.LLMRequestTimeoutSeconds) * time.Second
}

func (c *Config) ToolDefaultTimeout() time.Duration {
	return time.Duration(c.ToolDefaultTimeoutSeconds) * time.Second
}

func (c *Config) HookDefaultTimeout() time.Duration {
	return time.Duration(c.HookDefaultTimeoutSeconds) * time.Second
}

func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}
