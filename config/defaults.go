// =============================================================================
// 📦 agentloop 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:         DefaultServerConfig(),
		Agent:          DefaultAgentConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Workflow:       DefaultWorkflowConfig(),
		Store:          DefaultStoreConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
	}
}

// DefaultServerConfig returns the default HTTP settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultAgentConfig returns the default executor settings.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Name:           "default-agent",
		Model:          "gpt-4o-mini",
		SystemPrompt:   "You are a helpful assistant that solves tasks step by step using the available tools.",
		MaxIterations:  10,
		LLMTimeout:     2 * time.Minute,
		ToolTimeout:    30 * time.Second,
		ErrorThreshold: 3,
		Temperature:    0.2,
		MaxTokens:      4096,
	}
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// DefaultWorkflowConfig returns the default engine settings.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxConcurrentNodes: 4,
	}
}

// DefaultStoreConfig returns the in-memory archive.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      "memory",
		BaseDir:   "./data/runs",
		KeyPrefix: "agentloop:",
	}
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default SQL settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentloop",
		Password:        "",
		Name:            "agentloop",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns disabled telemetry.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentloop",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig returns the default Prometheus settings.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "agentloop",
		Path:      "/metrics",
	}
}
