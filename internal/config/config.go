package config

import (
	"fmt"
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Breaker  BreakerConfig  `yaml:"circuit_breaker"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadLimit    int64         `yaml:"read_limit"`
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	CheckOrigin  bool          `yaml:"check_origin"`
}

// PipelineConfig bounds execution concurrency and budgets.
type PipelineConfig struct {
	MaxConcurrent     int64         `yaml:"max_concurrent"`
	MaxPerUser        int           `yaml:"max_per_user"`
	MaxExecutionTime  time.Duration `yaml:"max_execution_time"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	MaxHandoffDepth   int           `yaml:"max_handoff_depth"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	DefaultAgent      string        `yaml:"default_agent"`
}

// BreakerConfig configures per-tool circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
}

// RetryConfig configures transient-failure retries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       bool          `yaml:"jitter"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadLimit:    1 << 20,
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			PongTimeout:  60 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:     64,
			MaxPerUser:        4,
			MaxExecutionTime:  5 * time.Minute,
			ToolTimeout:       30 * time.Second,
			MaxHandoffDepth:   5,
			IdempotencyWindow: 10 * time.Minute,
			DefaultAgent:      "echo",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MaxTimeout:       10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName:    "switchboard",
			ServiceVersion: "dev",
			SamplingRate:   1.0,
			Insecure:       true,
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.MaxPerUser <= 0 {
		return fmt.Errorf("pipeline.max_per_user must be positive, got %d", c.Pipeline.MaxPerUser)
	}
	if c.Pipeline.ToolTimeout <= 0 {
		return fmt.Errorf("pipeline.tool_timeout must be positive, got %v", c.Pipeline.ToolTimeout)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be in [0, 1], got %v", c.Tracing.SamplingRate)
	}
	return nil
}
