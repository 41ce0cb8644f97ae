package common

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Paths    PathConfig
	Workers  WorkerConfig
	Quota    QuotaConfig
	Sync     SyncConfig
	Server   ServerConfig
	Registry string
	KeysDir  string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // "postgres" or "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// PathConfig holds the exchange and gateway directory roots.
type PathConfig struct {
	ExchangeDir      string
	GatewayOutDir    string
	GatewayInDir     string
	GatewayAttachDir string
	ReportDir        string
	InboundWatch     bool
	ParseGrace       time.Duration
}

// WorkerConfig holds polling intervals and enable flags per worker.
type WorkerConfig struct {
	IngestInterval   time.Duration
	DispatchInterval time.Duration
	ResponseInterval time.Duration
	SyncInterval     time.Duration
	IngestEnabled    bool
	DispatchEnabled  bool
	ResponseEnabled  bool
	SyncReqEnabled   bool
	SyncRespEnabled  bool
	WatchDebounce    time.Duration
	CycleTimeout     time.Duration
}

// QuotaConfig holds quota and retention settings.
type QuotaConfig struct {
	PersistEachItem bool
	Retention       time.Duration
	Location        *time.Location
}

// SyncConfig holds gateway database sources for catch-up.
type SyncConfig struct {
	Sources map[string]string // name -> DSN
	Start   time.Time
	Purge   bool
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HealthAddr string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	exchange := getEnv("EXCHANGE_DIR", "./exchange")
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Paths: PathConfig{
			ExchangeDir:      exchange,
			GatewayOutDir:    getEnv("GATEWAY_OUT_DIR", "./gateway/out"),
			GatewayInDir:     getEnv("GATEWAY_IN_DIR", "./gateway/in"),
			GatewayAttachDir: getEnv("GATEWAY_ATTACHMENTS_DIR", "./gateway/attachments"),
			ReportDir:        getEnv("REPORT_DIR", ""),
			InboundWatch:     getEnvAsBool("INBOUND_WATCH", false),
			ParseGrace:       getEnvAsDuration("INGEST_PARSE_GRACE", time.Minute),
		},
		Workers: WorkerConfig{
			IngestInterval:   getEnvAsDuration("INGEST_INTERVAL", 5*time.Second),
			DispatchInterval: getEnvAsDuration("DISPATCH_INTERVAL", 2*time.Second),
			ResponseInterval: getEnvAsDuration("RESPONSE_INTERVAL", 5*time.Second),
			SyncInterval:     getEnvAsDuration("SYNC_INTERVAL", 30*time.Second),
			IngestEnabled:    getEnvAsBool("INGEST_ENABLED", true),
			DispatchEnabled:  getEnvAsBool("DISPATCH_ENABLED", true),
			ResponseEnabled:  getEnvAsBool("RESPONSE_ENABLED", true),
			SyncReqEnabled:   getEnvAsBool("SYNC_REQUESTS_ENABLED", true),
			SyncRespEnabled:  getEnvAsBool("SYNC_RESPONSES_ENABLED", true),
			WatchDebounce:    getEnvAsDuration("INBOUND_WATCH_DEBOUNCE", 500*time.Millisecond),
			CycleTimeout:     getEnvAsDuration("CYCLE_TIMEOUT", 10*time.Minute),
		},
		Quota: QuotaConfig{
			PersistEachItem: getEnvAsBool("QUOTA_PERSIST_EACH_ITEM", false),
			Retention:       getEnvAsDuration("LOG_RETENTION", 31*24*time.Hour),
			Location:        getEnvAsLocation("RELAY_TZ", time.Local),
		},
		Sync: SyncConfig{
			Sources: getEnvAsMap("SYNC_SOURCES"),
			Start:   getEnvAsDate("SYNC_START", time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)),
			Purge:   getEnvAsBool("SYNC_PURGE", false),
		},
		Server: ServerConfig{
			HealthAddr: getEnv("HEALTH_ADDR", ""),
		},
		Registry: getEnv("REGISTRY_FILE", filepath.Join(exchange, "registry.yaml")),
		KeysDir:  getEnv("SIGNING_KEYS_DIR", ""),
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsDate(key string, defaultValue time.Time) time.Time {
	if value := os.Getenv(key); value != "" {
		if t, err := time.Parse("2006-01-02", value); err == nil {
			return t
		}
	}
	return defaultValue
}

func getEnvAsLocation(key string, defaultValue *time.Location) *time.Location {
	if value := os.Getenv(key); value != "" {
		if loc, err := time.LoadLocation(value); err == nil {
			return loc
		}
	}
	return defaultValue
}

// getEnvAsMap parses "name=value,name2=value2".
func getEnvAsMap(key string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Paths.ExchangeDir == "" || c.Paths.GatewayOutDir == "" || c.Paths.GatewayInDir == "" {
		return NewAppError("CONFIG_ERROR", "EXCHANGE_DIR, GATEWAY_OUT_DIR and GATEWAY_IN_DIR are required", ErrInvalidInput)
	}
	if c.Registry == "" {
		return NewAppError("CONFIG_ERROR", "REGISTRY_FILE is required", ErrInvalidInput)
	}
	return nil
}
