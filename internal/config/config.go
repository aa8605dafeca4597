package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqe/loqe/internal/guardrail"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	StateBackendMemory      = "memory"
	StateBackendPostgres    = "postgres"
	StateBackendObjectStore = "objectstore"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Engine        EngineConfig
	Guardrails    GuardrailConfig
	Token         TokenConfig
	State         StateConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type EngineConfig struct {
	BaseURL             string
	Origin              string
	DatabasePath        string
	MaxConnections      int
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration
}

// GuardrailConfig seeds the settings store. Zero memory values mean "scale to
// host memory".
type GuardrailConfig struct {
	MaxResultRows       int
	QueryTimeoutSeconds int
	MemoryWarningMB     int
	MemoryLimitMB       int
	MaxResultSizeMB     int
	ExtensionRepository string
}

type TokenConfig struct {
	Token        string
	File         string
	PollInterval time.Duration
}

type StateConfig struct {
	Backend         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	Namespace       string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// Settings builds the initial guardrail settings for a host with hostMB of
// memory (0 when unknown).
func (g GuardrailConfig) Settings(hostMB int64) guardrail.Settings {
	s := guardrail.DefaultSettings(hostMB)
	s.MaxResultRows = g.MaxResultRows
	s.QueryTimeoutSeconds = g.QueryTimeoutSeconds
	s.ExtensionRepository = g.ExtensionRepository
	if g.MemoryWarningMB > 0 {
		s.MemoryWarningMB = g.MemoryWarningMB
	}
	if g.MemoryLimitMB > 0 {
		s.MemoryLimitMB = g.MemoryLimitMB
	}
	if g.MaxResultSizeMB > 0 {
		s.MaxResultSizeMB = g.MaxResultSizeMB
	}
	return s
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("LOQE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid LOQE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	env := loader{lookup: lookup}
	env.string("LOQE_SERVICE_NAME", &cfg.Service.Name)

	env.string("LOQE_HTTP_ADDR", &cfg.HTTP.Address)
	env.duration("LOQE_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	env.duration("LOQE_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	env.duration("LOQE_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout)

	env.string("LOQE_ENGINE_BASE_URL", &cfg.Engine.BaseURL)
	env.string("LOQE_ENGINE_ORIGIN", &cfg.Engine.Origin)
	env.string("LOQE_ENGINE_DATABASE_PATH", &cfg.Engine.DatabasePath)
	env.int("LOQE_ENGINE_MAX_CONNECTIONS", &cfg.Engine.MaxConnections)
	env.duration("LOQE_ENGINE_IDLE_TIMEOUT", &cfg.Engine.IdleTimeout)
	env.duration("LOQE_ENGINE_MAINTENANCE_INTERVAL", &cfg.Engine.MaintenanceInterval)

	env.int("LOQE_MAX_RESULT_ROWS", &cfg.Guardrails.MaxResultRows)
	env.int("LOQE_QUERY_TIMEOUT_SECONDS", &cfg.Guardrails.QueryTimeoutSeconds)
	env.int("LOQE_MEMORY_WARNING_MB", &cfg.Guardrails.MemoryWarningMB)
	env.int("LOQE_MEMORY_LIMIT_MB", &cfg.Guardrails.MemoryLimitMB)
	env.int("LOQE_MAX_RESULT_SIZE_MB", &cfg.Guardrails.MaxResultSizeMB)
	env.string("LOQE_EXTENSION_REPOSITORY", &cfg.Guardrails.ExtensionRepository)

	env.string("LOQE_TOKEN", &cfg.Token.Token)
	env.string("LOQE_TOKEN_FILE", &cfg.Token.File)
	env.duration("LOQE_TOKEN_POLL_INTERVAL", &cfg.Token.PollInterval)

	env.string("LOQE_STATE_BACKEND", &cfg.State.Backend)
	env.string("LOQE_STATE_DSN", &cfg.State.DSN)
	env.int("LOQE_STATE_MAX_OPEN_CONNS", &cfg.State.MaxOpenConns)
	env.int("LOQE_STATE_MAX_IDLE_CONNS", &cfg.State.MaxIdleConns)
	env.duration("LOQE_STATE_CONN_MAX_IDLE_TIME", &cfg.State.ConnMaxIdleTime)
	env.duration("LOQE_STATE_CONN_MAX_LIFETIME", &cfg.State.ConnMaxLifetime)
	env.string("LOQE_STATE_NAMESPACE", &cfg.State.Namespace)

	env.string("LOQE_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint)
	env.string("LOQE_OBJECTSTORE_REGION", &cfg.ObjectStore.Region)
	env.string("LOQE_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket)
	env.string("LOQE_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID)
	env.string("LOQE_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
	env.bool("LOQE_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL)
	env.string("LOQE_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix)
	env.bool("LOQE_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)

	env.bool("LOQE_LOG_JSON", &cfg.Observability.LogJSON)
	env.logLevel("LOQE_LOG_LEVEL", &cfg.Observability.LogLevel)

	env.bool("LOQE_AUTH_REQUIRED", &cfg.Auth.Required)
	env.string("LOQE_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys)

	if env.err != nil {
		return Config{}, env.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if c.Engine.MaxConnections <= 0 {
		return fmt.Errorf("invalid LOQE_ENGINE_MAX_CONNECTIONS: must be > 0")
	}
	switch c.State.Backend {
	case StateBackendMemory, StateBackendObjectStore:
	case StateBackendPostgres:
		if c.State.DSN == "" {
			return fmt.Errorf("invalid LOQE_STATE_DSN: required for postgres backend")
		}
	default:
		return fmt.Errorf("invalid LOQE_STATE_BACKEND: %q", c.State.Backend)
	}
	if c.Token.Token != "" && c.Token.File != "" {
		return fmt.Errorf("invalid LOQE_TOKEN_FILE: LOQE_TOKEN is also set")
	}
	// Scaled defaults fill zero values, so validate against a known host size.
	if err := c.Guardrails.Settings(0).Validate(); err != nil {
		return fmt.Errorf("invalid guardrail settings: %w", err)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "loqe-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 150 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Engine: EngineConfig{
			BaseURL:             "/assets/engine/",
			Origin:              "http://localhost:8080",
			MaxConnections:      4,
			IdleTimeout:         5 * time.Minute,
			MaintenanceInterval: 30 * time.Second,
		},
		Guardrails: GuardrailConfig{
			MaxResultRows:       guardrail.DefaultMaxResultRows,
			QueryTimeoutSeconds: guardrail.DefaultQueryTimeoutSeconds,
		},
		Token: TokenConfig{
			PollInterval: 30 * time.Second,
		},
		State: StateConfig{
			Backend:         StateBackendMemory,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			Namespace:       "default",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "loqe",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

// loader applies environment overrides and keeps the first parse error.
type loader struct {
	lookup LookupFunc
	err    error
}

func (l *loader) raw(key string) (string, bool) {
	if l.err != nil {
		return "", false
	}
	raw, ok := l.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

func (l *loader) fail(key string, err error) {
	l.err = fmt.Errorf("invalid %s: %w", key, err)
}

func (l *loader) string(key string, dst *string) {
	if raw, ok := l.raw(key); ok {
		*dst = raw
	}
}

func (l *loader) duration(key string, dst *time.Duration) {
	raw, ok := l.raw(key)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = value
}

func (l *loader) bool(key string, dst *bool) {
	raw, ok := l.raw(key)
	if !ok {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = value
}

func (l *loader) int(key string, dst *int) {
	raw, ok := l.raw(key)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = value
}

func (l *loader) logLevel(key string, dst *slog.Level) {
	raw, ok := l.raw(key)
	if !ok {
		return
	}
	switch strings.ToLower(raw) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		l.fail(key, fmt.Errorf("unknown level %q", raw))
	}
}
