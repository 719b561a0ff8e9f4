// Package config handles environment-based configuration loading for the
// control plane and the worker agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServerConfig holds all environment-driven settings for the control plane
// binary (registry + coordinator + aggregator + API).
type ServerConfig struct {
	// Directories
	DataDir     string
	LogDir      string
	RegionsFile string // empty means the built-in region catalogue

	// Network
	ListenAddress string
	APIPort       int

	// Store / broker
	RedisURL            string
	BrokerURL           string
	BrokerManagement    string
	ArchiveDir          string
	ArchiveSyncSchedule string

	// Dispatch
	DispatchTick       time.Duration
	DispatchShards     int
	NoCoverageTicks    int
	TaskAttemptCap     int
	NestRPMDefault     int
	HeartbeatActiveAge time.Duration
	HeartbeatExpiry    time.Duration

	// Aggregation
	DedupCacheEntries int
	MaxBufferAge      time.Duration
	RollupTTL         time.Duration

	// API
	APIMaxBodyBytes    int
	AdminRateLimitRPM  int
	PublicRateLimitRPM int
	SSEHeartbeatEvery  time.Duration

	// Audit log
	AuditDBMaxMB       int
	AuditDBRetainCount int

	// Schedules
	PointsPeriodResetSchedule string

	// Auth
	AdminToken string
}

// LoadServerConfig reads environment variables and returns a validated
// ServerConfig. All validation errors are collected before failing.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("GUARDANT_DATA_DIR", "/var/lib/guardant")
	cfg.LogDir = envStr("GUARDANT_LOG_DIR", "/var/log/guardant")
	cfg.ArchiveDir = envStr("GUARDANT_ARCHIVE_DIR", "")
	cfg.RegionsFile = envStr("GUARDANT_REGIONS_FILE", "")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("GUARDANT_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("GUARDANT_API_PORT", 4040, &errs)

	// --- Store / broker ---
	cfg.RedisURL = envStr("GUARDANT_REDIS_URL", "redis://127.0.0.1:6379/0")
	cfg.BrokerURL = envStr("BROKER_URL", cfg.RedisURL)
	cfg.BrokerManagement = envStr("BROKER_MANAGEMENT_URL", "")
	cfg.ArchiveSyncSchedule = envStr("GUARDANT_ARCHIVE_SYNC_SCHEDULE", "@every 5m")

	// --- Dispatch ---
	cfg.DispatchTick = envDuration("GUARDANT_DISPATCH_TICK", time.Second, &errs)
	cfg.DispatchShards = envInt("GUARDANT_DISPATCH_SHARDS", 1, &errs)
	cfg.NoCoverageTicks = envInt("GUARDANT_NO_COVERAGE_TICKS", 3, &errs)
	cfg.TaskAttemptCap = envInt("GUARDANT_TASK_ATTEMPT_CAP", 3, &errs)
	cfg.NestRPMDefault = envInt("GUARDANT_NEST_RPM_DEFAULT", 120, &errs)
	cfg.HeartbeatActiveAge = envDuration("GUARDANT_HEARTBEAT_ACTIVE_AGE", 60*time.Second, &errs)
	cfg.HeartbeatExpiry = envDuration("GUARDANT_HEARTBEAT_EXPIRY", 90*time.Second, &errs)

	// --- Aggregation ---
	cfg.DedupCacheEntries = envInt("GUARDANT_DEDUP_CACHE_ENTRIES", 65536, &errs)
	cfg.MaxBufferAge = envDuration("GUARDANT_MAX_BUFFER_AGE", 15*time.Minute, &errs)
	cfg.RollupTTL = envDuration("GUARDANT_ROLLUP_TTL", 24*time.Hour, &errs)

	// --- API ---
	cfg.APIMaxBodyBytes = envInt("GUARDANT_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.AdminRateLimitRPM = envInt("GUARDANT_ADMIN_RATE_LIMIT_RPM", 100, &errs)
	cfg.PublicRateLimitRPM = envInt("GUARDANT_PUBLIC_RATE_LIMIT_RPM", 600, &errs)
	cfg.SSEHeartbeatEvery = envDuration("GUARDANT_SSE_HEARTBEAT_EVERY", 20*time.Second, &errs)

	// --- Audit log ---
	cfg.AuditDBMaxMB = envInt("GUARDANT_AUDIT_DB_MAX_MB", 256, &errs)
	cfg.AuditDBRetainCount = envInt("GUARDANT_AUDIT_DB_RETAIN_COUNT", 5, &errs)

	// --- Schedules ---
	cfg.PointsPeriodResetSchedule = envStr("GUARDANT_POINTS_PERIOD_RESET_SCHEDULE", "0 0 1 * *")

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("GUARDANT_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "GUARDANT_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "GUARDANT_LISTEN_ADDRESS must not be empty")
	}
	validatePort("GUARDANT_API_PORT", cfg.APIPort, &errs)
	validatePositive("GUARDANT_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("GUARDANT_DISPATCH_SHARDS", cfg.DispatchShards, &errs)
	validatePositive("GUARDANT_NO_COVERAGE_TICKS", cfg.NoCoverageTicks, &errs)
	validatePositive("GUARDANT_TASK_ATTEMPT_CAP", cfg.TaskAttemptCap, &errs)
	validatePositive("GUARDANT_NEST_RPM_DEFAULT", cfg.NestRPMDefault, &errs)
	validatePositive("GUARDANT_DEDUP_CACHE_ENTRIES", cfg.DedupCacheEntries, &errs)
	validatePositive("GUARDANT_ADMIN_RATE_LIMIT_RPM", cfg.AdminRateLimitRPM, &errs)
	validatePositive("GUARDANT_PUBLIC_RATE_LIMIT_RPM", cfg.PublicRateLimitRPM, &errs)
	validatePositive("GUARDANT_AUDIT_DB_MAX_MB", cfg.AuditDBMaxMB, &errs)
	validatePositive("GUARDANT_AUDIT_DB_RETAIN_COUNT", cfg.AuditDBRetainCount, &errs)
	if cfg.DispatchTick <= 0 {
		errs = append(errs, "GUARDANT_DISPATCH_TICK must be positive")
	}
	if cfg.HeartbeatActiveAge <= 0 || cfg.HeartbeatExpiry <= cfg.HeartbeatActiveAge {
		errs = append(errs, "GUARDANT_HEARTBEAT_EXPIRY must exceed GUARDANT_HEARTBEAT_ACTIVE_AGE (both positive)")
	}
	if cfg.MaxBufferAge <= 0 {
		errs = append(errs, "GUARDANT_MAX_BUFFER_AGE must be positive")
	}
	if cfg.RollupTTL <= 0 {
		errs = append(errs, "GUARDANT_ROLLUP_TTL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.PointsPeriodResetSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("GUARDANT_POINTS_PERIOD_RESET_SCHEDULE: invalid cron expression %q: %v", cfg.PointsPeriodResetSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.ArchiveSyncSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("GUARDANT_ARCHIVE_SYNC_SCHEDULE: invalid cron expression %q: %v", cfg.ArchiveSyncSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// WorkerConfig holds the environment options recognized by the worker agent.
type WorkerConfig struct {
	WorkerID         string
	BrokerURL        string
	BrokerManagement string
	Region           string // empty means auto-detect from geolocation
	Concurrency      int
	HealthPort       int
	LogLevel         string
	PublicIP         string
	Datacenter       string
	OwnerEmail       string

	// Local durable state (result buffer, location cache).
	DataDir        string
	BufferCapacity int

	// GeoIP database refresh; empty disables scheduled updates.
	GeoIPDBURL string

	RegistryURL       string
	HeartbeatInterval time.Duration
	RPM               int
	MaxRespMB         int

	// DisabledProbes lists service types this host must not run, as a JSON
	// string array, e.g. ["ping"] on hosts without raw-socket privileges.
	DisabledProbes []string

	// PointsValue is an opaque operator-supplied string replicated in
	// heartbeats; the platform never interprets it.
	PointsValue string
}

// LoadWorkerConfig reads worker environment variables. WORKER_ID and
// GUARDANT_REGISTRY_URL are required; REGION falls back to auto-detection.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	var errs []string

	cfg.WorkerID = strings.TrimSpace(envStr("WORKER_ID", ""))
	cfg.BrokerURL = envStr("BROKER_URL", "")
	cfg.BrokerManagement = envStr("BROKER_MANAGEMENT_URL", "")
	cfg.Region = strings.TrimSpace(envStr("REGION", ""))
	cfg.Concurrency = envInt("WORKER_CONCURRENCY", 10, &errs)
	cfg.HealthPort = envInt("HEALTH_PORT", 3099, &errs)
	cfg.LogLevel = envStr("LOG_LEVEL", "info")
	cfg.PublicIP = strings.TrimSpace(envStr("PUBLIC_IP", ""))
	cfg.Datacenter = strings.TrimSpace(envStr("DATACENTER", ""))
	cfg.OwnerEmail = strings.TrimSpace(envStr("WORKER_OWNER_EMAIL", ""))

	cfg.DataDir = envStr("WORKER_DATA_DIR", "/var/lib/guardant-worker")
	cfg.BufferCapacity = envInt("WORKER_BUFFER_CAPACITY", 1000, &errs)
	cfg.GeoIPDBURL = envStr("GEOIP_DB_URL", "")

	cfg.RegistryURL = envStr("GUARDANT_REGISTRY_URL", "")
	cfg.HeartbeatInterval = envDuration("WORKER_HEARTBEAT_INTERVAL", 10*time.Second, &errs)
	cfg.RPM = envInt("WORKER_RPM", 600, &errs)
	cfg.MaxRespMB = envInt("WORKER_MAX_RESP_MB", 1, &errs)
	cfg.DisabledProbes = envStringSlice("WORKER_DISABLED_PROBES", nil, &errs)
	cfg.PointsValue = envStr("WORKER_POINTS_VALUE", "")

	if cfg.WorkerID == "" {
		errs = append(errs, "WORKER_ID must be set")
	}
	if cfg.RegistryURL == "" {
		errs = append(errs, "GUARDANT_REGISTRY_URL must be set")
	}
	validatePositive("WORKER_CONCURRENCY", cfg.Concurrency, &errs)
	validatePort("HEALTH_PORT", cfg.HealthPort, &errs)
	validatePositive("WORKER_BUFFER_CAPACITY", cfg.BufferCapacity, &errs)
	validatePositive("WORKER_RPM", cfg.RPM, &errs)
	validatePositive("WORKER_MAX_RESP_MB", cfg.MaxRespMB, &errs)
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, "WORKER_HEARTBEAT_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if errs != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		}
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
