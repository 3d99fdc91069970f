// Package config provides configuration loading for the guard engine.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the guard engine and its server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Payload    PayloadConfig    `mapstructure:"payload"`
	UserAgent  UserAgentConfig  `mapstructure:"user_agent"`
	Behavior   BehaviorConfig   `mapstructure:"behavior"`
	Threat     ThreatConfig     `mapstructure:"threat"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Incident   IncidentConfig   `mapstructure:"incident"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	RulesFile  string           `mapstructure:"rules_file"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	SSLMode       string `mapstructure:"sslmode"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// ConnString returns a postgres:// URL for pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + p.SSLMode,
	}
	return u.String()
}

// StorageConfig holds OpenSearch configuration
type StorageConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// RedisConfig holds Redis configuration for the shared reputation tier
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// AuthConfig holds analyst token settings for the admin API
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EngineConfig holds orchestrator level settings
type EngineConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ErrorBuffer   int           `mapstructure:"error_buffer"`
}

// RateLimitConfig holds fixed-window limiter settings
type RateLimitConfig struct {
	PerMinute             int           `mapstructure:"per_minute"`
	PerHour               int           `mapstructure:"per_hour"`
	Adaptive              bool          `mapstructure:"adaptive"`
	AdaptiveStep          int           `mapstructure:"adaptive_step"`
	AdaptiveFloor         int           `mapstructure:"adaptive_floor"`
	ViolationsBeforeBlock int           `mapstructure:"violations_before_block"`
	BlockDuration         time.Duration `mapstructure:"block_duration"`
	RestrictFactor        int           `mapstructure:"restrict_factor"`
	RestrictDuration      time.Duration `mapstructure:"restrict_duration"`
}

// PayloadConfig holds payload inspection limits
type PayloadConfig struct {
	MaxBytes      int `mapstructure:"max_bytes"`
	MaxDepth      int `mapstructure:"max_depth"`
	MaxProperties int `mapstructure:"max_properties"`
}

// UserAgentConfig holds classifier thresholds
type UserAgentConfig struct {
	BlockThreshold   float64 `mapstructure:"block_threshold"`
	MonitorThreshold float64 `mapstructure:"monitor_threshold"`
	MinLength        int     `mapstructure:"min_length"`
	MaxLength        int     `mapstructure:"max_length"`
}

// BehaviorConfig holds profiler thresholds
type BehaviorConfig struct {
	IntervalWindow    int           `mapstructure:"interval_window"`
	FastInterval      time.Duration `mapstructure:"fast_interval"`
	FastMinRequests   int           `mapstructure:"fast_min_requests"`
	EndpointThreshold int           `mapstructure:"endpoint_threshold"`
	SequentialRatio   float64       `mapstructure:"sequential_ratio"`
	CVThreshold       float64       `mapstructure:"cv_threshold"`
	CVMinRequests     int           `mapstructure:"cv_min_requests"`
	MaxUserAgents     int           `mapstructure:"max_user_agents"`
	MaxEndpoints      int           `mapstructure:"max_endpoints"`
	BlockScore        int           `mapstructure:"block_score"`
	MonitorScore      int           `mapstructure:"monitor_score"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

// ThreatConfig holds detector thresholds
type ThreatConfig struct {
	EntropyThreshold    float64       `mapstructure:"entropy_threshold"`
	MaxInputLength      int           `mapstructure:"max_input_length"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	EndpointThreshold   int           `mapstructure:"endpoint_threshold"`
	AdminThreshold      int           `mapstructure:"admin_threshold"`
	BehaviorWindow      time.Duration `mapstructure:"behavior_window"`
	EscalationSeverity  string        `mapstructure:"escalation_severity"`
	ReputationThreshold int           `mapstructure:"reputation_threshold"`
	MaxAlertIndicators  int           `mapstructure:"max_alert_indicators"`
}

// ReputationConfig holds IP reputation settings
type ReputationConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	CacheSize    int           `mapstructure:"cache_size"`
	DefaultScore int           `mapstructure:"default_score"`
	Backend      string        `mapstructure:"backend"`
	FeedURL      string        `mapstructure:"feed_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// AuditConfig holds audit log settings
type AuditConfig struct {
	Backend             string        `mapstructure:"backend"`
	RingSize            int           `mapstructure:"ring_size"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	PruneInterval       time.Duration `mapstructure:"prune_interval"`
	PatternTTL          time.Duration `mapstructure:"pattern_ttl"`
	RiskIncrement       int           `mapstructure:"risk_increment"`
	RecurrenceWindow    time.Duration `mapstructure:"recurrence_window"`
	SuspiciousRisk      int           `mapstructure:"suspicious_risk"`
	SuspiciousFrequency int           `mapstructure:"suspicious_frequency"`
	MaxAffectedUsers    int           `mapstructure:"max_affected_users"`
	FlushBuffer         int           `mapstructure:"flush_buffer"`
	PersistTimeout      time.Duration `mapstructure:"persist_timeout"`
	SigningKey          string        `mapstructure:"signing_key"`
}

// IncidentConfig holds responder settings
type IncidentConfig struct {
	ActionTimeout      time.Duration `mapstructure:"action_timeout"`
	QuarantineDuration time.Duration `mapstructure:"quarantine_duration"`
	DisableDuration    time.Duration `mapstructure:"disable_duration"`
	MaxIndicators      int           `mapstructure:"max_indicators"`
	Retention          time.Duration `mapstructure:"retention"`
}

// NotifyConfig holds alert sink settings
type NotifyConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
	LogChannel      bool          `mapstructure:"log_channel"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 11<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_guard")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 10)
	v.SetDefault("database.postgres.migrations_dir", "migrations")

	v.SetDefault("storage.url", "https://localhost:9200")
	v.SetDefault("storage.username", "admin")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.insecure", true)
	v.SetDefault("storage.index", "telhawk-guard-audit")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "telhawk-guard")
	v.SetDefault("auth.token_ttl", "8h")

	v.SetDefault("engine.sweep_interval", "1m")
	v.SetDefault("engine.error_buffer", 64)

	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("rate_limit.per_hour", 1000)
	v.SetDefault("rate_limit.adaptive", true)
	v.SetDefault("rate_limit.adaptive_step", 10)
	v.SetDefault("rate_limit.adaptive_floor", 5)
	v.SetDefault("rate_limit.violations_before_block", 3)
	v.SetDefault("rate_limit.block_duration", "15m")
	v.SetDefault("rate_limit.restrict_factor", 4)
	v.SetDefault("rate_limit.restrict_duration", "15m")

	v.SetDefault("payload.max_bytes", 10<<20)
	v.SetDefault("payload.max_depth", 20)
	v.SetDefault("payload.max_properties", 1000)

	v.SetDefault("user_agent.block_threshold", 0.8)
	v.SetDefault("user_agent.monitor_threshold", 0.3)
	v.SetDefault("user_agent.min_length", 10)
	v.SetDefault("user_agent.max_length", 1000)

	v.SetDefault("behavior.interval_window", 50)
	v.SetDefault("behavior.fast_interval", "1s")
	v.SetDefault("behavior.fast_min_requests", 10)
	v.SetDefault("behavior.endpoint_threshold", 20)
	v.SetDefault("behavior.sequential_ratio", 0.7)
	v.SetDefault("behavior.cv_threshold", 0.2)
	v.SetDefault("behavior.cv_min_requests", 20)
	v.SetDefault("behavior.max_user_agents", 3)
	v.SetDefault("behavior.max_endpoints", 1000)
	v.SetDefault("behavior.block_score", 70)
	v.SetDefault("behavior.monitor_score", 40)
	v.SetDefault("behavior.idle_ttl", "30m")

	v.SetDefault("threat.entropy_threshold", 4.5)
	v.SetDefault("threat.max_input_length", 10000)
	v.SetDefault("threat.failure_threshold", 10)
	v.SetDefault("threat.endpoint_threshold", 20)
	v.SetDefault("threat.admin_threshold", 5)
	v.SetDefault("threat.behavior_window", "15m")
	v.SetDefault("threat.escalation_severity", "high")
	v.SetDefault("threat.reputation_threshold", 50)
	v.SetDefault("threat.max_alert_indicators", 200)

	v.SetDefault("reputation.ttl", "1h")
	v.SetDefault("reputation.cache_size", 10000)
	v.SetDefault("reputation.default_score", 100)
	v.SetDefault("reputation.backend", "memory")
	v.SetDefault("reputation.feed_url", "")
	v.SetDefault("reputation.timeout", "2s")

	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.ring_size", 1000)
	v.SetDefault("audit.flush_interval", "30s")
	v.SetDefault("audit.prune_interval", "1h")
	v.SetDefault("audit.pattern_ttl", "1h")
	v.SetDefault("audit.risk_increment", 10)
	v.SetDefault("audit.recurrence_window", "60s")
	v.SetDefault("audit.suspicious_risk", 70)
	v.SetDefault("audit.suspicious_frequency", 5)
	v.SetDefault("audit.max_affected_users", 100)
	v.SetDefault("audit.flush_buffer", 10000)
	v.SetDefault("audit.persist_timeout", "5s")
	v.SetDefault("audit.signing_key", "")

	v.SetDefault("incident.action_timeout", "10s")
	v.SetDefault("incident.quarantine_duration", "1h")
	v.SetDefault("incident.disable_duration", "15m")
	v.SetDefault("incident.max_indicators", 500)
	v.SetDefault("incident.retention", "24h")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.log_channel", true)
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.burst", 10)
	v.SetDefault("notify.breaker_failures", 5)
	v.SetDefault("notify.breaker_timeout", "30s")

	v.SetDefault("rules_file", "")
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/guard")
	}

	// Environment variables override (GUARD_RATE_LIMIT_PER_MINUTE, etc.)
	v.SetEnvPrefix("GUARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in configuration without consulting files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0:
		return fmt.Errorf("rate_limit: per_minute and per_hour must be positive")
	case c.Payload.MaxBytes <= 0 || c.Payload.MaxDepth <= 0 || c.Payload.MaxProperties <= 0:
		return fmt.Errorf("payload: limits must be positive")
	case c.UserAgent.MonitorThreshold > c.UserAgent.BlockThreshold:
		return fmt.Errorf("user_agent: monitor_threshold must not exceed block_threshold")
	case c.Behavior.IntervalWindow < 2:
		return fmt.Errorf("behavior: interval_window must be at least 2")
	case c.Behavior.MonitorScore > c.Behavior.BlockScore:
		return fmt.Errorf("behavior: monitor_score must not exceed block_score")
	case c.Audit.RingSize <= 0:
		return fmt.Errorf("audit: ring_size must be positive")
	case c.Incident.MaxIndicators > 0 && c.Incident.MaxIndicators < c.Threat.MaxAlertIndicators:
		return fmt.Errorf("incident: max_indicators must be at least threat.max_alert_indicators")
	case c.Incident.Retention < 0:
		return fmt.Errorf("incident: retention must not be negative")
	}

	switch c.Audit.Backend {
	case "memory", "postgres", "opensearch":
	default:
		return fmt.Errorf("audit: unknown backend %q", c.Audit.Backend)
	}
	switch c.Reputation.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("reputation: unknown backend %q", c.Reputation.Backend)
	}
	return nil
}
