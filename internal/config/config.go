package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`

	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTTTL    time.Duration `mapstructure:"JWT_TTL"`

	// OTPCodeHash is a bcrypt hash of the one-time code accepted by the
	// bundled verifier. Deployments with a real identity provider leave it empty.
	OTPCodeHash string `mapstructure:"OTP_CODE_HASH"`

	PhoneCountryPrefixes string `mapstructure:"PHONE_COUNTRY_PREFIXES"`
	PhoneDigits          int    `mapstructure:"PHONE_DIGITS"`

	RepairInterval     time.Duration `mapstructure:"REPAIR_INTERVAL"`
	RepairRate         float64       `mapstructure:"REPAIR_RATE"`
	RebuildConcurrency int           `mapstructure:"REBUILD_CONCURRENCY"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFormat     string `mapstructure:"LOG_FORMAT"`
	TraceExporter string `mapstructure:"TRACE_EXPORTER"`
}

var AppConfig *Config

// SetDefaults registers the fallback value of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("JWT_TTL", 7*24*time.Hour)
	v.SetDefault("PHONE_COUNTRY_PREFIXES", "+91,0091")
	v.SetDefault("PHONE_DIGITS", 10)
	v.SetDefault("REPAIR_INTERVAL", 30*time.Second)
	v.SetDefault("REPAIR_RATE", 20.0)
	v.SetDefault("REBUILD_CONCURRENCY", 4)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("TRACE_EXPORTER", "none")
}

// LoadConfig loads the configuration from a .env file and environment variables.
func LoadConfig() {
	cfg, err := Load(viper.GetViper())
	if err != nil {
		slog.Error("Unable to decode into struct", "error", err)
		panic(err)
	}
	AppConfig = cfg
}

// Load reads the .env file (if present) and the environment into a Config.
func Load(v *viper.Viper) (*Config, error) {
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")

	SetDefaults(v)
	v.AutomaticEnv()
	// Keys without a default are invisible to Unmarshal unless bound.
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET", "OTP_CODE_HASH"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		slog.Warn(".env file not found, loading from environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CountryPrefixes splits PHONE_COUNTRY_PREFIXES into its entries.
func (c *Config) CountryPrefixes() []string {
	var prefixes []string
	for _, p := range strings.Split(c.PhoneCountryPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}

// SlogLevel maps LOG_LEVEL onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
