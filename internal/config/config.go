// Package config implements the YAML + environment-override configuration
// of spec §6: performance, concurrency, circuitBreaker, security, bus, and
// cache blocks, each with the defaults spec §6 names.
//
// Adapted from the teacher's internal/config/config.go: a YAML struct
// seeded by Default() plus applyEnvOverrides (gopkg.in/yaml.v2,
// getEnv/getEnvInt/getEnvBool helpers), narrowed from the
// teacher's dozens of unrelated domain blocks (reputation, escrow,
// governance, federation, ...) down to the six blocks this pipeline needs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/dragonpipe/internal/domain"
)

// Config is the process-wide configuration, read once at startup.
type Config struct {
	Performance    PerformanceConfig    `yaml:"performance"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Security       SecurityConfig       `yaml:"security"`
	Bus            BusConfig            `yaml:"bus"`
	Cache          CacheConfig          `yaml:"cache"`
}

// PerformanceConfig mirrors spec §6's performance block.
type PerformanceConfig struct {
	APIP95Ms      int `yaml:"apiP95Ms"`
	APIP99Ms      int `yaml:"apiP99Ms"`
	FileProcP95Ms int `yaml:"fileProcP95Ms"`
	DBP95Ms       int `yaml:"dbP95Ms"`
	MemoryLimitMB int `yaml:"memoryLimitMB"`
}

// ConcurrencyConfig mirrors spec §6's concurrency block.
type ConcurrencyConfig struct {
	MaxConcurrent     int `yaml:"maxConcurrent"`
	QueueLimit        int `yaml:"queueLimit"`
	DefaultTimeoutMs  int `yaml:"defaultTimeoutMs"`
	StreamTimeoutMs   int `yaml:"streamTimeoutMs"`
	RateWindowMs      int `yaml:"rateWindowMs"`
	RateMax           int `yaml:"rateMax"`
}

// CircuitBreakerConfig mirrors spec §6's circuitBreaker block.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failureThreshold"`
	ResetTimeoutMs   int  `yaml:"resetTimeoutMs"`
	HalfOpenMax      int  `yaml:"halfOpenMax"`
}

// SecurityConfig mirrors spec §6's security block.
type SecurityConfig struct {
	MaxFileMB          int      `yaml:"maxFileMB"`
	AllowedMimeClasses []string `yaml:"allowedMimeClasses"`
	ScanMalware        bool     `yaml:"scanMalware"`
	HeaderValidate     bool     `yaml:"headerValidate"`
}

// BusConfig mirrors spec §6's bus block.
type BusConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	ConnectTimeoutMs  int    `yaml:"connectTimeoutMs"`
	CommandTimeoutMs  int    `yaml:"commandTimeoutMs"`
	RetryBackoffMaxMs int    `yaml:"retryBackoffMaxMs"`
}

// CacheConfig mirrors spec §4.4's TTL-by-confidence table. It is parsed
// from YAML, but the cache does not read it: dedupcache always takes TTLs
// from domain.TTLForConfidence's fixed table.
type CacheConfig struct {
	TTLByConfidence map[string]int `yaml:"ttlByConfidence"` // seconds
}

// Default returns a Config populated with spec §6's documented defaults.
func Default() Config {
	return Config{
		Performance: PerformanceConfig{
			APIP95Ms:      200,
			APIP99Ms:      500,
			FileProcP95Ms: 2000,
			DBP95Ms:       100,
			MemoryLimitMB: 500,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrent:    50,
			QueueLimit:       100,
			DefaultTimeoutMs: 30000,
			StreamTimeoutMs:  15000,
			RateWindowMs:     60000,
			RateMax:          100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeoutMs:   60000,
			HalfOpenMax:      3,
		},
		Security: SecurityConfig{
			MaxFileMB:          50,
			AllowedMimeClasses: []string{"image", "pdf", "video"},
			ScanMalware:        false,
			HeaderValidate:     true,
		},
		Bus: BusConfig{
			Host:              "localhost",
			Port:              6379,
			DB:                0,
			ConnectTimeoutMs:  10000,
			CommandTimeoutMs:  5000,
			RetryBackoffMaxMs: 2000,
		},
		Cache: CacheConfig{
			TTLByConfidence: map[string]int{
				string(domain.ConfidenceHigh):           14400,
				string(domain.ConfidenceMedium):          7200,
				string(domain.ConfidenceLow):             3600,
				string(domain.ConfidenceReviewRequired):  1800,
			},
		},
	}
}

// Load reads path as YAML over Default()'s values, then applies environment
// overrides. A missing (unopenable) file is not fatal — the caller
// receives Default() with overrides applied, same as the teacher's
// "load, warn, fall back to defaults" Get(). A file that fails to decode
// returns the decode error, with the partly decoded Config and no
// environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			if err := decoder.Decode(&cfg); err != nil {
				return cfg, err
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Performance.APIP95Ms = getEnvInt("DRAGONPIPE_API_P95_MS", c.Performance.APIP95Ms)
	c.Performance.APIP99Ms = getEnvInt("DRAGONPIPE_API_P99_MS", c.Performance.APIP99Ms)
	c.Performance.FileProcP95Ms = getEnvInt("DRAGONPIPE_FILE_PROC_P95_MS", c.Performance.FileProcP95Ms)
	c.Performance.DBP95Ms = getEnvInt("DRAGONPIPE_DB_P95_MS", c.Performance.DBP95Ms)
	c.Performance.MemoryLimitMB = getEnvInt("DRAGONPIPE_MEMORY_LIMIT_MB", c.Performance.MemoryLimitMB)

	c.Concurrency.MaxConcurrent = getEnvInt("DRAGONPIPE_MAX_CONCURRENT", c.Concurrency.MaxConcurrent)
	c.Concurrency.QueueLimit = getEnvInt("DRAGONPIPE_QUEUE_LIMIT", c.Concurrency.QueueLimit)
	c.Concurrency.DefaultTimeoutMs = getEnvInt("DRAGONPIPE_DEFAULT_TIMEOUT_MS", c.Concurrency.DefaultTimeoutMs)
	c.Concurrency.StreamTimeoutMs = getEnvInt("DRAGONPIPE_STREAM_TIMEOUT_MS", c.Concurrency.StreamTimeoutMs)
	c.Concurrency.RateWindowMs = getEnvInt("DRAGONPIPE_RATE_WINDOW_MS", c.Concurrency.RateWindowMs)
	c.Concurrency.RateMax = getEnvInt("DRAGONPIPE_RATE_MAX", c.Concurrency.RateMax)

	c.CircuitBreaker.Enabled = getEnvBool("DRAGONPIPE_CIRCUIT_ENABLED", c.CircuitBreaker.Enabled)
	c.CircuitBreaker.FailureThreshold = getEnvInt("DRAGONPIPE_CIRCUIT_FAILURE_THRESHOLD", c.CircuitBreaker.FailureThreshold)
	c.CircuitBreaker.ResetTimeoutMs = getEnvInt("DRAGONPIPE_CIRCUIT_RESET_TIMEOUT_MS", c.CircuitBreaker.ResetTimeoutMs)
	c.CircuitBreaker.HalfOpenMax = getEnvInt("DRAGONPIPE_CIRCUIT_HALF_OPEN_MAX", c.CircuitBreaker.HalfOpenMax)

	c.Security.MaxFileMB = getEnvInt("DRAGONPIPE_MAX_FILE_MB", c.Security.MaxFileMB)
	if classes := getEnv("DRAGONPIPE_ALLOWED_MIME_CLASSES", ""); classes != "" {
		c.Security.AllowedMimeClasses = splitCSV(classes)
	}
	c.Security.ScanMalware = getEnvBool("DRAGONPIPE_SCAN_MALWARE", c.Security.ScanMalware)
	c.Security.HeaderValidate = getEnvBool("DRAGONPIPE_HEADER_VALIDATE", c.Security.HeaderValidate)

	c.Bus.Host = getEnv("DRAGONPIPE_BUS_HOST", c.Bus.Host)
	c.Bus.Port = getEnvInt("DRAGONPIPE_BUS_PORT", c.Bus.Port)
	c.Bus.Password = getEnv("DRAGONPIPE_BUS_PASSWORD", c.Bus.Password)
	c.Bus.DB = getEnvInt("DRAGONPIPE_BUS_DB", c.Bus.DB)
	c.Bus.ConnectTimeoutMs = getEnvInt("DRAGONPIPE_BUS_CONNECT_TIMEOUT_MS", c.Bus.ConnectTimeoutMs)
	c.Bus.CommandTimeoutMs = getEnvInt("DRAGONPIPE_BUS_COMMAND_TIMEOUT_MS", c.Bus.CommandTimeoutMs)
	c.Bus.RetryBackoffMaxMs = getEnvInt("DRAGONPIPE_BUS_RETRY_BACKOFF_MAX_MS", c.Bus.RetryBackoffMaxMs)
}

// MirrorTimeout and SuperiorTimeout are spec §4.9's Tm/Ts defaults (5s/8s),
// not overridable via the generic stream timeout since the two collaborators
// have distinct SLAs; kept as package-level constants rather than config
// fields since no example scenario in spec §8 varies them per-client.
const (
	MirrorTimeout   = 5 * time.Second
	SuperiorTimeout = 8 * time.Second
)

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
