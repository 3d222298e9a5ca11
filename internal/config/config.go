// Package config loads service configuration from the environment.
//
// A .env file in the working directory (or the file named by ENV_FILE) is
// read first when present; real environment variables always win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Engine   EngineConfig
	Calendar CalendarConfig
	// WorkflowsFile points at a YAML file of workflow definitions. When empty
	// definitions are read from the approval_workflow_definitions table.
	WorkflowsFile string
	LogLevel      string
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string // SERVICE_NAME, default "be-plt-approvals"
	Version     string // SERVICE_VERSION, default "dev"
	Environment string // ENVIRONMENT, default "development"
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           // HTTP_PORT, default 8086
	ReadTimeout     time.Duration // HTTP_READ_TIMEOUT, default 15s
	WriteTimeout    time.Duration // HTTP_WRITE_TIMEOUT, default 15s
	IdleTimeout     time.Duration // HTTP_IDLE_TIMEOUT, default 60s
	ShutdownTimeout time.Duration // HTTP_SHUTDOWN_TIMEOUT, default 20s
}

// GRPCConfig configures the gRPC listener.
type GRPCConfig struct {
	Port       int  // GRPC_PORT, default 9086
	Reflection bool // GRPC_REFLECTION, default true
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	Host        string        // DB_HOST, default localhost
	Port        int           // DB_PORT, default 5432
	User        string        // DB_USER, default postgres
	Password    string        // DB_PASSWORD
	Database    string        // DB_NAME, default approvals
	SSLMode     string        // DB_SSLMODE, default disable
	MaxConns    int32         // DB_MAX_CONNS, default 10
	MinConns    int32         // DB_MIN_CONNS, default 1
	MaxConnTime time.Duration // DB_MAX_CONN_LIFETIME, default 1h
	MaxIdleTime time.Duration // DB_MAX_CONN_IDLE, default 30m
	HealthCheck time.Duration // DB_HEALTH_CHECK, default 1m
	// InMemory selects the in-process store instead of Postgres (DB_IN_MEMORY).
	InMemory bool
}

// DSN renders a libpq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// NATSConfig configures the notification publisher. Empty URL disables it.
type NATSConfig struct {
	URL           string // NATS_URL
	SubjectPrefix string // NATS_SUBJECT_PREFIX, default "notifications.approvals"
}

// EngineConfig tunes the approval engine.
type EngineConfig struct {
	DefaultTimeoutMinutes int           // ENGINE_DEFAULT_TIMEOUT_MINUTES, default 1440
	DefaultMaxEscalation  int           // ENGINE_MAX_ESCALATION_LEVEL, default 3
	RetryInterval         time.Duration // ENGINE_TIMER_RETRY_INTERVAL, default 1m
	NotifyDedupWindow     time.Duration // ENGINE_NOTIFY_DEDUP_WINDOW, default 0 (off)
}

// CalendarConfig describes business hours. Empty Timezone disables the calendar.
type CalendarConfig struct {
	Timezone     string   // CALENDAR_TZ, e.g. "Europe/Berlin"
	WorkdayStart string   // CALENDAR_WORKDAY_START, default "09:00"
	WorkdayEnd   string   // CALENDAR_WORKDAY_END, default "17:00"
	Workdays     []string // CALENDAR_WORKDAYS, default "mon,tue,wed,thu,fri"
	Holidays     []string // CALENDAR_HOLIDAYS, comma separated YYYY-MM-DD
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	l := &loader{}
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-plt-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            l.int("HTTP_PORT", 8086),
			ReadTimeout:     l.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    l.duration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     l.duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: l.duration("HTTP_SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		GRPC: GRPCConfig{
			Port:       l.int("GRPC_PORT", 9086),
			Reflection: l.bool("GRPC_REFLECTION", true),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        l.int("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    os.Getenv("DB_PASSWORD"),
			Database:    getEnv("DB_NAME", "approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(l.int("DB_MAX_CONNS", 10)),
			MinConns:    int32(l.int("DB_MIN_CONNS", 1)),
			MaxConnTime: l.duration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: l.duration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: l.duration("DB_HEALTH_CHECK", time.Minute),
			InMemory:    l.bool("DB_IN_MEMORY", false),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "notifications.approvals"),
		},
		Engine: EngineConfig{
			DefaultTimeoutMinutes: l.int("ENGINE_DEFAULT_TIMEOUT_MINUTES", 1440),
			DefaultMaxEscalation:  l.int("ENGINE_MAX_ESCALATION_LEVEL", 3),
			RetryInterval:         l.duration("ENGINE_TIMER_RETRY_INTERVAL", time.Minute),
			NotifyDedupWindow:     l.duration("ENGINE_NOTIFY_DEDUP_WINDOW", 0),
		},
		Calendar: CalendarConfig{
			Timezone:     os.Getenv("CALENDAR_TZ"),
			WorkdayStart: getEnv("CALENDAR_WORKDAY_START", "09:00"),
			WorkdayEnd:   getEnv("CALENDAR_WORKDAY_END", "17:00"),
			Workdays:     splitList(getEnv("CALENDAR_WORKDAYS", "mon,tue,wed,thu,fri")),
			Holidays:     splitList(os.Getenv("CALENDAR_HOLIDAYS")),
		},
		WorkflowsFile: os.Getenv("WORKFLOWS_FILE"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(l.errs, "; "))
	}
	if cfg.Engine.DefaultMaxEscalation < 0 {
		return nil, fmt.Errorf("invalid configuration: ENGINE_MAX_ESCALATION_LEVEL must be >= 0")
	}
	return cfg, nil
}

// loader collects parse errors so Load can report all of them at once.
type loader struct {
	errs []string
}

func (l *loader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func (l *loader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return def
	}
	return b
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// cast reads a bare number as nanoseconds.
	if n, err := cast.ToFloat64E(strings.TrimSpace(v)); err == nil && n != 0 {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q needs a unit such as %q", key, v, strings.TrimSpace(v)+"m"))
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not a duration", key, v))
		return def
	}
	return d
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
