// =============================================================================
// 📦 agentloop 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentloop.yaml").
//	    WithEnvPrefix("AGENTLOOP").
//	    Load()
//
// 优先级：默认值 -> YAML 文件 -> 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config is the complete runtime configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" env:"SERVER"`
	Agent          AgentConfig          `yaml:"agent" env:"AGENT"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"BREAKER"`
	Workflow       WorkflowConfig       `yaml:"workflow" env:"WORKFLOW"`
	Triggers       []TriggerConfig      `yaml:"triggers" env:"-"`
	Store          StoreConfig          `yaml:"store" env:"STORE"`
	Redis          RedisConfig          `yaml:"redis" env:"REDIS"`
	Database       DatabaseConfig       `yaml:"database" env:"DATABASE"`
	Log            LogConfig            `yaml:"log" env:"LOG"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" env:"TELEMETRY"`
	Metrics        MetricsConfig        `yaml:"metrics" env:"METRICS"`
}

// ServerConfig configures the serve command's HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimitRPS is the per-client request rate on the API. Zero disables limiting.
	RateLimitRPS   float64    `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int        `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	Auth           AuthConfig `yaml:"auth" env:"AUTH"`
}

// AuthConfig protects the API. With neither API keys nor a JWT key set the
// API is open. When both are set either credential is accepted.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// AllowQueryAPIKey also reads the key from ?api_key=.
	AllowQueryAPIKey bool      `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	JWT              JWTConfig `yaml:"jwt" env:"JWT"`
}

// Enabled reports whether any credential is configured.
func (c AuthConfig) Enabled() bool {
	return len(c.APIKeys) > 0 || c.JWT.Enabled()
}

// JWTConfig verifies bearer tokens signed with HS256 or RS256.
type JWTConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
	// PublicKey is a PEM encoded RSA public key.
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled reports whether a verification key is configured.
func (c JWTConfig) Enabled() bool {
	return c.Secret != "" || c.PublicKey != ""
}

// AgentConfig holds executor defaults.
type AgentConfig struct {
	Name           string        `yaml:"name" env:"NAME"`
	Model          string        `yaml:"model" env:"MODEL"`
	SystemPrompt   string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	MaxIterations  int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	LLMTimeout     time.Duration `yaml:"llm_timeout" env:"LLM_TIMEOUT"`
	ToolTimeout    time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	ErrorThreshold int           `yaml:"error_threshold" env:"ERROR_THRESHOLD"`
	Temperature    float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens      int           `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// CircuitBreakerConfig is shared by every breaker in the process.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	CallTimeout      time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// WorkflowConfig configures the engine and where definitions come from.
type WorkflowConfig struct {
	MaxConcurrentNodes int      `yaml:"max_concurrent_nodes" env:"MAX_CONCURRENT_NODES"`
	Definitions        []string `yaml:"definitions" env:"DEFINITIONS"`
	Watch              bool     `yaml:"watch" env:"WATCH"`
}

// TriggerConfig registers one trigger at startup.
type TriggerConfig struct {
	ID       string         `yaml:"id"`
	Workflow string         `yaml:"workflow"`
	Kind     string         `yaml:"kind"` // scheduled | event_driven
	Schedule string         `yaml:"schedule,omitempty"`
	Event    string         `yaml:"event,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
}

// StoreConfig selects the run archive backend.
type StoreConfig struct {
	Type      string        `yaml:"type" env:"TYPE"` // memory | file | redis | sql
	BaseDir   string        `yaml:"base_dir" env:"BASE_DIR"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	// CompactKeep folds all but the newest CompactKeep events of a run into
	// one summary event before it is archived. Zero archives the full log.
	CompactKeep int `yaml:"compact_keep" env:"COMPACT_KEEP"`
}

// RedisConfig configures the redis run store.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the SQL run store.
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// InstanceID is reported as service.instance.id. Empty uses the hostname.
	InstanceID  string `yaml:"instance_id" env:"INSTANCE_ID"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// MetricsConfig configures Prometheus collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Path      string `yaml:"path" env:"PATH"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the AGENTLOOP env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTLOOP",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to read.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation step run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves defaults, the YAML file and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively by their env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma-separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad loads path or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment overrides only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate rejects non-positive limits, unknown backends and malformed triggers.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "server rate limit must not be negative")
	}
	if c.Store.CompactKeep < 0 {
		errs = append(errs, "store.compact_keep must not be negative")
	}
	for _, k := range c.Server.Auth.APIKeys {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, "server.auth.api_keys must not contain empty keys")
			break
		}
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, "agent.max_iterations must be positive")
	}
	if c.Agent.ErrorThreshold <= 0 {
		errs = append(errs, "agent.error_threshold must be positive")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, "agent.temperature must be between 0 and 2")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, "circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		errs = append(errs, "circuit_breaker.recovery_timeout must be positive")
	}
	if c.Workflow.MaxConcurrentNodes <= 0 {
		errs = append(errs, "workflow.max_concurrent_nodes must be positive")
	}

	switch c.Store.Type {
	case "memory", "file", "redis", "sql":
	default:
		errs = append(errs, fmt.Sprintf("unknown store.type %q", c.Store.Type))
	}

	seen := make(map[string]bool, len(c.Triggers))
	for i, tr := range c.Triggers {
		where := fmt.Sprintf("triggers[%d]", i)
		if tr.ID == "" {
			errs = append(errs, where+": id is required")
		} else if seen[tr.ID] {
			errs = append(errs, where+": duplicate id "+tr.ID)
		}
		seen[tr.ID] = true
		if tr.Workflow == "" {
			errs = append(errs, where+": workflow is required")
		}
		switch tr.Kind {
		case "scheduled":
			if tr.Schedule == "" {
				errs = append(errs, where+": schedule is required for scheduled triggers")
			}
		case "event_driven":
			if tr.Event == "" {
				errs = append(errs, where+": event is required for event_driven triggers")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", where, tr.Kind))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
