package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 7*24*time.Hour, cfg.JWTTTL)
	assert.Equal(t, 10, cfg.PhoneDigits)
	assert.Equal(t, []string{"+91", "0091"}, cfg.CountryPrefixes())
	assert.Equal(t, 30*time.Second, cfg.RepairInterval)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chiller")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REPAIR_INTERVAL", "5s")
	t.Setenv("PHONE_COUNTRY_PREFIXES", " +44 , ,+1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/chiller", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.RepairInterval)
	assert.Equal(t, []string{"+44", "+1"}, cfg.CountryPrefixes())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}
