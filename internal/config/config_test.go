package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "prediction.process", cfg.RabbitMQ.Queue)
	assert.Equal(t, 10, cfg.RabbitMQ.PrefetchCount)
	assert.Equal(t, 3, cfg.RabbitMQ.MaxRetries)
	assert.Equal(t, 5, cfg.OTP.Length)
	assert.Equal(t, 2*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 12, cfg.Session.BcryptRounds)
	assert.Equal(t, 32, cfg.Session.TokenBytes)
	assert.Equal(t, "Iran", cfg.DesignatedTeamName)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OTP_LENGTH", "6")
	t.Setenv("RABBITMQ_PREFETCH_COUNT", "25")
	t.Setenv("ENABLE_IP_VALIDATION", "true")
	t.Setenv("ADMIN_PHONES", "+989121234567, +989129876543")
	t.Setenv("DATABASE_TIMEOUT", "10")

	cfg := Load()
	assert.Equal(t, 6, cfg.OTP.Length)
	assert.Equal(t, 25, cfg.RabbitMQ.PrefetchCount)
	assert.True(t, cfg.EnableIPValidation)
	assert.Equal(t, []string{"+989121234567", "+989129876543"}, cfg.AdminPhones)
	assert.Contains(t, cfg.Database.DSN(), "connect_timeout=10")
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"otp length too short", func(c *Config) { c.OTP.Length = 2 }},
		{"zero verify attempts", func(c *Config) { c.OTP.MaxVerifyAttempts = 0 }},
		{"bcrypt cost out of range", func(c *Config) { c.Session.BcryptRounds = 40 }},
		{"token too short", func(c *Config) { c.Session.TokenBytes = 8 }},
		{"access ttl exceeds refresh ttl", func(c *Config) {
			c.Session.AccessTTL = 48 * time.Hour
			c.Session.RefreshTTL = 24 * time.Hour
		}},
		{"zero prefetch", func(c *Config) { c.RabbitMQ.PrefetchCount = 0 }},
		{"empty queue name", func(c *Config) { c.RabbitMQ.Queue = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetEnvInt_IgnoresGarbage(t *testing.T) {
	t.Setenv("DATABASE_POOL_SIZE", "not-a-number")
	cfg := Load()
	assert.Equal(t, 20, cfg.Database.PoolSize)
}
