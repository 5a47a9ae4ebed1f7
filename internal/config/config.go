package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds all hub configuration. Field names correspond to the
// Enumerated configuration options of the Submission API surface.
type AppConfig struct {
	ListenAddress string `yaml:"listen_address"`

	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches"`

	DefaultTaskTimeoutMs int64 `yaml:"default_task_timeout_ms"`
	DefaultMaxRetries    int   `yaml:"default_max_retries"`
	RetryBaseBackoffMs   int64 `yaml:"retry_base_backoff_ms"`
	RetryMaxBackoffMs    int64 `yaml:"retry_max_backoff_ms"`

	HeartbeatIntervalMs              int64 `yaml:"heartbeat_interval_ms"`
	MissedHeartbeatsBeforeDisconnect int   `yaml:"missed_heartbeats_before_disconnect"`
	AgentOutboundQueueSize           int   `yaml:"agent_outbound_queue_size"`
	ReassignmentGraceMs              int64 `yaml:"reassignment_grace_ms"`

	// DispatchQuiescenceMs bounds how long a dispatcher worker waits
	// before re-trying a task it parked for lack of a capable agent,
	// so the ready queue never busy-loops. Not part of the Enumerated
	// external configuration surface; tuned internally.
	DispatchQuiescenceMs int64 `yaml:"dispatch_quiescence_ms"`

	DiscardLateResults bool `yaml:"discard_late_results"`

	EventLogSinks []string `yaml:"event_log_sinks"`

	HealthPort     string `yaml:"health_port"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
}

// Load loads configuration from environment variables with defaults. The
// result may be overridden by LoadFile and then by CLI flags, in that
// order — flags are always the outermost, winning layer.
func Load() *AppConfig {
	return &AppConfig{
		ListenAddress: getEnv("HUB_LISTEN_ADDRESS", ":8765"),

		MaxConcurrentDispatches: getEnvAsInt("HUB_MAX_CONCURRENT_DISPATCHES", 8),

		DefaultTaskTimeoutMs: getEnvAsInt64("HUB_DEFAULT_TASK_TIMEOUT_MS", 60_000),
		DefaultMaxRetries:    getEnvAsInt("HUB_DEFAULT_MAX_RETRIES", 2),
		RetryBaseBackoffMs:   getEnvAsInt64("HUB_RETRY_BASE_BACKOFF_MS", 250),
		RetryMaxBackoffMs:    getEnvAsInt64("HUB_RETRY_MAX_BACKOFF_MS", 30_000),

		HeartbeatIntervalMs:              getEnvAsInt64("HUB_HEARTBEAT_INTERVAL_MS", 15_000),
		MissedHeartbeatsBeforeDisconnect: getEnvAsInt("HUB_MISSED_HEARTBEATS_BEFORE_DISCONNECT", 2),
		AgentOutboundQueueSize:           getEnvAsInt("HUB_AGENT_OUTBOUND_QUEUE_SIZE", 32),
		ReassignmentGraceMs:              getEnvAsInt64("HUB_REASSIGNMENT_GRACE_MS", 10_000),
		DispatchQuiescenceMs:             getEnvAsInt64("HUB_DISPATCH_QUIESCENCE_MS", 200),

		DiscardLateResults: getEnvAsBool("HUB_DISCARD_LATE_RESULTS", true),

		EventLogSinks: splitCSV(getEnv("HUB_EVENT_LOG_SINKS", "")),

		HealthPort:     getEnv("HUB_HEALTH_PORT", "8080"),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "127.0.0.1:4317"),
		ServiceName:    getEnv("SERVICE_NAME", "mcp-coordination-hub"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
	}
}

// LoadFile overlays YAML configuration on top of c, leaving any field the
// file omits untouched.
func (c *AppConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// DefaultTaskTimeout returns the configured default timeout as a duration.
func (c *AppConfig) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutMs) * time.Millisecond
}

// RetryBaseBackoff returns the configured base backoff as a duration.
func (c *AppConfig) RetryBaseBackoff() time.Duration {
	return time.Duration(c.RetryBaseBackoffMs) * time.Millisecond
}

// RetryMaxBackoff returns the configured backoff cap as a duration.
func (c *AppConfig) RetryMaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoffMs) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat interval as a duration.
func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ReassignmentGrace returns the configured disconnect grace period.
func (c *AppConfig) ReassignmentGrace() time.Duration {
	return time.Duration(c.ReassignmentGraceMs) * time.Millisecond
}

// DispatchQuiescence returns the configured dispatcher parking interval.
func (c *AppConfig) DispatchQuiescence() time.Duration {
	return time.Duration(c.DispatchQuiescenceMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
