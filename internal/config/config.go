package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	LLM           LLMConfig
	Assistant     AssistantConfig
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

type DatabaseConfig struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	Schema          string
	MinConns        int
	MaxConns        int
	AcquireTimeout  time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type LLMConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type AssistantConfig struct {
	DefinitionsDir    string
	DefinitionsPrefix string
	Persona           string
	ErrorMessage      string
	TurnTimeout       time.Duration
	HumanizeNumbers   bool
	QueryLogLimit     int
}

type ObjectStoreConfig struct {
	Enabled          bool
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

const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const defaultPersona = "Consider yourself as a helpful data analyst. " +
	"You help users get information about the data and answer their questions."

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("QUERYCHAT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid QUERYCHAT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "QUERYCHAT_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "QUERYCHAT_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "QUERYCHAT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "QUERYCHAT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "QUERYCHAT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },

		func() error { return applyString(lookup, "QUERYCHAT_DB_DRIVER", &cfg.Database.Driver) },
		func() error { return applyString(lookup, "QUERYCHAT_DB_DSN", &cfg.Database.DSN) },
		func() error { return applyString(lookup, "QUERYCHAT_DB_HOST", &cfg.Database.Host) },
		func() error { return applyInt(lookup, "QUERYCHAT_DB_PORT", &cfg.Database.Port) },
		func() error { return applyString(lookup, "QUERYCHAT_DB_NAME", &cfg.Database.Name) },
		func() error { return applyString(lookup, "QUERYCHAT_DB_USER", &cfg.Database.User) },
		func() error { return applyString(lookup, "QUERYCHAT_DB_PASSWORD", &cfg.Database.Password) },
		func() error { return applyString(lookup, "QUERYCHAT_DB_SCHEMA", &cfg.Database.Schema) },
		func() error { return applyInt(lookup, "QUERYCHAT_DB_MIN_CONNS", &cfg.Database.MinConns) },
		func() error { return applyInt(lookup, "QUERYCHAT_DB_MAX_CONNS", &cfg.Database.MaxConns) },
		func() error { return applyDuration(lookup, "QUERYCHAT_DB_ACQUIRE_TIMEOUT", &cfg.Database.AcquireTimeout) },
		func() error { return applyDuration(lookup, "QUERYCHAT_DB_RETRY_INITIAL", &cfg.Database.RetryInitial) },
		func() error { return applyDuration(lookup, "QUERYCHAT_DB_RETRY_MAX", &cfg.Database.RetryMax) },
		func() error { return applyDuration(lookup, "QUERYCHAT_DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime) },
		func() error { return applyDuration(lookup, "QUERYCHAT_DB_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime) },

		func() error { return applyString(lookup, "QUERYCHAT_LLM_PROVIDER", &cfg.LLM.Provider) },
		func() error { return applyString(lookup, "QUERYCHAT_LLM_BASE_URL", &cfg.LLM.BaseURL) },
		func() error { return applyString(lookup, "QUERYCHAT_LLM_API_KEY", &cfg.LLM.APIKey) },
		func() error { return applyString(lookup, "QUERYCHAT_LLM_MODEL", &cfg.LLM.Model) },
		func() error { return applyInt(lookup, "QUERYCHAT_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens) },
		func() error { return applyFloat(lookup, "QUERYCHAT_LLM_TEMPERATURE", &cfg.LLM.Temperature) },
		func() error { return applyDuration(lookup, "QUERYCHAT_LLM_TIMEOUT", &cfg.LLM.Timeout) },

		func() error { return applyString(lookup, "QUERYCHAT_DEFINITIONS_DIR", &cfg.Assistant.DefinitionsDir) },
		func() error { return applyString(lookup, "QUERYCHAT_DEFINITIONS_PREFIX", &cfg.Assistant.DefinitionsPrefix) },
		func() error { return applyString(lookup, "QUERYCHAT_PERSONA", &cfg.Assistant.Persona) },
		func() error { return applyString(lookup, "QUERYCHAT_ERROR_MESSAGE", &cfg.Assistant.ErrorMessage) },
		func() error { return applyDuration(lookup, "QUERYCHAT_TURN_TIMEOUT", &cfg.Assistant.TurnTimeout) },
		func() error { return applyBool(lookup, "QUERYCHAT_HUMANIZE_NUMBERS", &cfg.Assistant.HumanizeNumbers) },
		func() error { return applyInt(lookup, "QUERYCHAT_QUERY_LOG_LIMIT", &cfg.Assistant.QueryLogLimit) },

		func() error { return applyBool(lookup, "QUERYCHAT_OBJECTSTORE_ENABLED", &cfg.ObjectStore.Enabled) },
		func() error { return applyString(lookup, "QUERYCHAT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "QUERYCHAT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "QUERYCHAT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "QUERYCHAT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "QUERYCHAT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyBool(lookup, "QUERYCHAT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "QUERYCHAT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "QUERYCHAT_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},

		func() error { return applyBool(lookup, "QUERYCHAT_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "QUERYCHAT_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "QUERYCHAT_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "QUERYCHAT_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.Database.Schema == "" && cfg.Database.Driver == DriverDuckDB {
		cfg.Database.Schema = "main"
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	switch cfg.Database.Driver {
	case DriverPostgres, DriverDuckDB:
	default:
		return Config{}, fmt.Errorf("invalid QUERYCHAT_DB_DRIVER: %q", cfg.Database.Driver)
	}
	if cfg.Database.MinConns < 0 || cfg.Database.MaxConns <= 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		return Config{}, fmt.Errorf("invalid pool bounds: min=%d max=%d", cfg.Database.MinConns, cfg.Database.MaxConns)
	}
	switch cfg.LLM.Provider {
	case ProviderOpenAI:
		if cfg.LLM.BaseURL == "" {
			cfg.LLM.BaseURL = "https://api.openai.com"
		}
		if cfg.LLM.Model == "" {
			cfg.LLM.Model = "gpt-4o"
		}
	case ProviderAnthropic:
		if cfg.LLM.Model == "" {
			cfg.LLM.Model = "claude-3-haiku-20240307"
		}
	default:
		return Config{}, fmt.Errorf("invalid QUERYCHAT_LLM_PROVIDER: %q", cfg.LLM.Provider)
	}
	if cfg.Assistant.ErrorMessage == "" {
		return Config{}, fmt.Errorf("error message is required")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "querychat-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			Name:            "postgres",
			User:            "postgres",
			Password:        "postgres",
			Schema:          "",
			MinConns:        1,
			MaxConns:        5,
			AcquireTimeout:  5 * time.Second,
			RetryInitial:    time.Second,
			RetryMax:        time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			MaxTokens:   1024,
			Temperature: 0,
			Timeout:     30 * time.Second,
		},
		Assistant: AssistantConfig{
			DefinitionsDir:  "definitions",
			Persona:         defaultPersona,
			ErrorMessage:    "Sorry, something went wrong while answering your question. Please try again.",
			TurnTimeout:     60 * time.Second,
			HumanizeNumbers: false,
			QueryLogLimit:   50,
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "querychat",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Observability.LogJSON = true
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

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
