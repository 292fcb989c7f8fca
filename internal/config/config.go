package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = "8000"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > Environment variables > YAML config > Defaults
type Config struct {
	Port                 string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	LogLevel             string

	DatabaseHost             string
	DatabasePort             int
	DatabaseName             string
	FallbackDatabaseUser     string
	FallbackDatabasePassword string

	RedisURL string

	VaultAddr               string
	VaultRoleID             string
	VaultSecretID           string
	VaultKVMount            string
	VaultAppRoleMount       string
	AllowCredentialFallback bool

	EnableMTLS           bool
	TLSCertPath          string
	TLSKeyPath           string
	TLSCAPath            string
	CertReloadClearDelay time.Duration

	StartupRetryAttempts int
	StartupRetryDelay    time.Duration
	StartupRetryMaxDelay time.Duration
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Port                 string        `yaml:"port"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	LogLevel             string        `yaml:"log_level"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
	Database             yamlDatabase  `yaml:"database"`
	Redis                yamlRedis     `yaml:"redis"`
	Vault                yamlVault     `yaml:"vault"`
	TLS                  yamlTLS       `yaml:"tls"`
	StartupRetry         yamlRetry     `yaml:"startup_retry"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

type yamlDatabase struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

type yamlRedis struct {
	URL string `yaml:"url"`
}

type yamlVault struct {
	Addr          string `yaml:"addr"`
	KVMount       string `yaml:"kv_mount"`
	AppRoleMount  string `yaml:"approle_mount"`
	AllowFallback *bool  `yaml:"allow_fallback"`
}

type yamlTLS struct {
	EnableMTLS       *bool  `yaml:"enable_mtls"`
	CertPath         string `yaml:"cert_path"`
	KeyPath          string `yaml:"key_path"`
	CAPath           string `yaml:"ca_path"`
	ReloadClearDelay string `yaml:"reload_clear_delay"`
}

type yamlRetry struct {
	Attempts int    `yaml:"attempts"`
	Delay    string `yaml:"delay"`
	MaxDelay string `yaml:"max_delay"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Port           *string
	LogLevel       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > Environment variables > YAML config > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		LogLevel:             "info",

		DatabaseHost:             "localhost",
		DatabasePort:             5432,
		DatabaseName:             "homepage",
		FallbackDatabaseUser:     "postgres",
		FallbackDatabasePassword: "postgres",

		RedisURL: "redis://valkey:6379",

		VaultAddr:               "http://vault:8200",
		VaultKVMount:            "secret",
		VaultAppRoleMount:       "approle",
		AllowCredentialFallback: true,

		EnableMTLS:           false,
		TLSCertPath:          "/vault/secrets/tls.crt",
		TLSKeyPath:           "/vault/secrets/tls.key",
		TLSCAPath:            "/vault/secrets/ca.crt",
		CertReloadClearDelay: 5 * time.Second,

		StartupRetryAttempts: 5,
		StartupRetryDelay:    time.Second,
		StartupRetryMaxDelay: 30 * time.Second,
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Port != "" {
		cfg.Port = yamlCfg.Port
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}
	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	durations := []struct {
		raw    string
		target *time.Duration
	}{
		{yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{yamlCfg.IdleTimeout, &cfg.IdleTimeout},
		{yamlCfg.TLS.ReloadClearDelay, &cfg.CertReloadClearDelay},
		{yamlCfg.StartupRetry.Delay, &cfg.StartupRetryDelay},
		{yamlCfg.StartupRetry.MaxDelay, &cfg.StartupRetryMaxDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.target = parsed
	}

	if yamlCfg.Database.Host != "" {
		cfg.DatabaseHost = yamlCfg.Database.Host
	}
	if yamlCfg.Database.Port != 0 {
		cfg.DatabasePort = yamlCfg.Database.Port
	}
	if yamlCfg.Database.Name != "" {
		cfg.DatabaseName = yamlCfg.Database.Name
	}
	if yamlCfg.Redis.URL != "" {
		cfg.RedisURL = yamlCfg.Redis.URL
	}
	if yamlCfg.Vault.Addr != "" {
		cfg.VaultAddr = yamlCfg.Vault.Addr
	}
	if yamlCfg.Vault.KVMount != "" {
		cfg.VaultKVMount = yamlCfg.Vault.KVMount
	}
	if yamlCfg.Vault.AppRoleMount != "" {
		cfg.VaultAppRoleMount = yamlCfg.Vault.AppRoleMount
	}
	if yamlCfg.Vault.AllowFallback != nil {
		cfg.AllowCredentialFallback = *yamlCfg.Vault.AllowFallback
	}
	if yamlCfg.TLS.EnableMTLS != nil {
		cfg.EnableMTLS = *yamlCfg.TLS.EnableMTLS
	}
	if yamlCfg.TLS.CertPath != "" {
		cfg.TLSCertPath = yamlCfg.TLS.CertPath
	}
	if yamlCfg.TLS.KeyPath != "" {
		cfg.TLSKeyPath = yamlCfg.TLS.KeyPath
	}
	if yamlCfg.TLS.CAPath != "" {
		cfg.TLSCAPath = yamlCfg.TLS.CAPath
	}
	if yamlCfg.StartupRetry.Attempts != 0 {
		cfg.StartupRetryAttempts = yamlCfg.StartupRetry.Attempts
	}

	return nil
}

// applyEnvConfig applies environment variable configuration. Ports must
// parse; other malformed values are ignored and keep their previous value.
func applyEnvConfig(cfg *Config) error {
	if port := env("SERVER_PORT"); port != "" {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", port, err)
		}
		cfg.Port = port
	}

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseHost, "DATABASE_HOST")
	if port := env("DATABASE_PORT"); port != "" {
		value, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_PORT %q: %w", port, err)
		}
		cfg.DatabasePort = int(value)
	}
	setString(&cfg.DatabaseName, "DATABASE_NAME")
	setString(&cfg.FallbackDatabaseUser, "DATABASE_USER")
	setString(&cfg.FallbackDatabasePassword, "DATABASE_PASSWORD")
	setString(&cfg.RedisURL, "REDIS_URL")

	setString(&cfg.VaultAddr, "VAULT_ADDR")
	setString(&cfg.VaultRoleID, "VAULT_ROLE_ID")
	setString(&cfg.VaultSecretID, "VAULT_SECRET_ID")
	setString(&cfg.VaultKVMount, "VAULT_KV_MOUNT")
	setString(&cfg.VaultAppRoleMount, "VAULT_APPROLE_MOUNT")
	setBool(&cfg.AllowCredentialFallback, "ALLOW_CREDENTIAL_FALLBACK")

	if raw := env("ENABLE_MTLS"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		cfg.EnableMTLS = err == nil && enabled
	}
	setString(&cfg.TLSCertPath, "TLS_CERT_PATH")
	setString(&cfg.TLSKeyPath, "TLS_KEY_PATH")
	setString(&cfg.TLSCAPath, "TLS_CA_PATH")
	setDuration(&cfg.CertReloadClearDelay, "CERT_RELOAD_CLEAR_DELAY")

	if raw := env("STARTUP_RETRY_ATTEMPTS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			cfg.StartupRetryAttempts = value
		}
	}
	setDuration(&cfg.StartupRetryDelay, "STARTUP_RETRY_DELAY")
	setDuration(&cfg.StartupRetryMaxDelay, "STARTUP_RETRY_MAX_DELAY")

	if rps := env("RATE_LIMIT_RPS"); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}
	if burst := env("RATE_LIMIT_BURST"); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}

	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}

	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	port, err := strconv.Atoi(cfg.Port[strings.LastIndex(cfg.Port, ":")+1:])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %q", cfg.Port)
	}
	if cfg.DatabasePort < 1 || cfg.DatabasePort > 65535 {
		return fmt.Errorf("DATABASE_PORT must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.DatabaseName) == "" {
		return fmt.Errorf("DATABASE_NAME cannot be empty")
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.StartupRetryAttempts < 1 {
		return fmt.Errorf("STARTUP_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.StartupRetryDelay <= 0 || cfg.StartupRetryMaxDelay <= 0 {
		return fmt.Errorf("startup retry delays must be positive")
	}
	if cfg.CertReloadClearDelay <= 0 {
		return fmt.Errorf("CERT_RELOAD_CLEAR_DELAY must be positive")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(target *string, key string) {
	if value := env(key); value != "" {
		*target = value
	}
}

func setBool(target *bool, key string) {
	if raw := env(key); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			*target = value
		}
	}
}

func setDuration(target *time.Duration, key string) {
	if raw := env(key); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			*target = value
		}
	}
}
