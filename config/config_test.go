package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("STRIPE_SECRET_KEY", "")
}

func TestLoad(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VERIFY_PROBE_TIMEOUT", "3s")
	t.Setenv("VERIFY_DNS_SERVERS", " 1.1.1.1:53, ,9.9.9.9:53")
	t.Setenv("VERIFY_WORKERS", "16")
	t.Setenv("VERIFY_BATCH_SIZE", "not-a-number")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("FROM_EMAIL", "jobs@example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Verifier.ProbeTimeout)
	assert.Equal(t, []string{"1.1.1.1:53", "9.9.9.9:53"}, cfg.Verifier.DNSServers)
	assert.Equal(t, 16, cfg.Verifier.Workers)
	assert.Equal(t, 50, cfg.Verifier.BatchSize, "unparseable values fall back")
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Mail.Enabled())
	assert.Equal(t, "host=localhost port=5432 user=postgres password=secret dbname=mailscore sslmode=disable", cfg.DSN())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{"postgres without password", map[string]string{"DB_PASSWORD": ""}, "DB_PASSWORD"},
		{"unknown driver", map[string]string{"STORAGE_DRIVER": "sqlite"}, "unknown STORAGE_DRIVER"},
		{"no jwt secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET"},
		{"production without stripe", map[string]string{"ENVIRONMENT": "production"}, "STRIPE_SECRET_KEY"},
		{"zero probe timeout", map[string]string{"VERIFY_PROBE_TIMEOUT": "0s"}, "VERIFY_PROBE_TIMEOUT"},
		{"no workers", map[string]string{"VERIFY_WORKERS": "0"}, "VERIFY_WORKERS"},
		{"no rate limit", map[string]string{"RATE_LIMIT_VERIFY": "-1"}, "RATE_LIMIT_VERIFY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_MemoryDriverNeedsNoDatabase(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORAGE_DRIVER", "MEMORY")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("MEMORY_USER_CREDITS", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StorageDriver)
	assert.Equal(t, 25, cfg.MemoryUserCredits)
}

func TestSetupLogger(t *testing.T) {
	assert.NoError(t, SetupLogger(Config{LogLevel: "debug", LogFormat: "json"}))
	assert.Error(t, SetupLogger(Config{LogLevel: "loud"}))
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=x", maskPassword("host=db password=hunter2 dbname=x"))
	assert.Equal(t, "host=db password=*****", maskPassword("host=db password=hunter2"))
	assert.Equal(t, "host=db", maskPassword("host=db"))
}
