package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names an optional YAML file layered between defaults and environment
const ConfigPathEnvVar = "CONFIG_PATH"

type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Logging   LoggingConfig   `koanf:"logging"`
	Detection DetectionConfig `koanf:"detection"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
}

// DSN returns the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.Name,
	)
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type DetectionConfig struct {
	// CompanyName brands the comment tag on provisioned mangle rules
	CompanyName     string        `koanf:"company_name"`
	Timezone        string        `koanf:"timezone"`
	TickInterval    time.Duration `koanf:"tick_interval"`
	NasQueryTimeout time.Duration `koanf:"nas_query_timeout"`
	AnalyzerWorkers int           `koanf:"analyzer_workers"`
}

// RuleTag is the comment prefix identifying TTL detection rules
func (d DetectionConfig) RuleTag() string {
	return d.CompanyName + "-TTL-Detection"
}

// Location resolves the configured timezone
func (d DetectionConfig) Location() (*time.Location, error) {
	return time.LoadLocation(d.Timezone)
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			User: "proisp",
			Name: "proisp",
		},
		Redis: RedisConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    6379,
		},
		Server: ServerConfig{Port: 8080},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Detection: DetectionConfig{
			CompanyName:     "ProISP",
			Timezone:        "UTC",
			TickInterval:    time.Minute,
			NasQueryTimeout: 15 * time.Second,
			AnalyzerWorkers: 8,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateSecureSecret(32)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT %d out of range", c.Server.Port))
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		errs = append(errs, errors.New("DB_HOST and DB_NAME are required"))
	}
	if c.Detection.TickInterval <= 0 {
		errs = append(errs, errors.New("SCAN_TICK_INTERVAL must be positive"))
	}
	if c.Detection.NasQueryTimeout <= 0 {
		errs = append(errs, errors.New("NAS_QUERY_TIMEOUT must be positive"))
	}
	if c.Detection.AnalyzerWorkers <= 0 {
		errs = append(errs, errors.New("ANALYZER_WORKERS must be positive"))
	}
	if strings.TrimSpace(c.Detection.CompanyName) == "" {
		errs = append(errs, errors.New("COMPANY_NAME is required"))
	}
	if _, err := c.Detection.Location(); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// envTransformFunc maps the ProISP environment names onto config paths.
// Unmapped variables are skipped.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"db_host":     "database.host",
		"db_port":     "database.port",
		"db_user":     "database.user",
		"db_password": "database.password",
		"db_name":     "database.name",

		"redis_enabled":  "redis.enabled",
		"redis_host":     "redis.host",
		"redis_port":     "redis.port",
		"redis_password": "redis.password",

		"api_port":   "server.port",
		"jwt_secret": "auth.jwt_secret",

		"log_level":  "logging.level",
		"log_format": "logging.format",

		"company_name":       "detection.company_name",
		"timezone":           "detection.timezone",
		"scan_tick_interval": "detection.tick_interval",
		"nas_query_timeout":  "detection.nas_query_timeout",
		"analyzer_workers":   "detection.analyzer_workers",
	}

	return envMappings[strings.ToLower(key)]
}

// generateSecureSecret generates a random hex secret for when JWT_SECRET is unset
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME")))
	}
	return hex.EncodeToString(bytes)
}
