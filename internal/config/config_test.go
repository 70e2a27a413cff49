package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/config"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := config.FromEnv()

	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, 3*time.Minute, cfg.Binding.CodeTTL)
	require.Equal(t, 3*time.Second, cfg.Door.UnlockDuration)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LIMEN_ENV", "PROD")
	t.Setenv("LIMEN_HTTP_ADDR", ":9090")
	t.Setenv("LIMEN_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("LIMEN_CODE_TTL", "90s")
	t.Setenv("LIMEN_SMTP_TLS", "1")
	t.Setenv("LIMEN_DB_MAX_CONNS", "-3")

	cfg := config.FromEnv()
	require.Equal(t, "prod", cfg.Env)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	require.Equal(t, 90*time.Second, cfg.Binding.CodeTTL)
	require.True(t, cfg.Mail.SMTPTLS)
	require.Equal(t, 10, cfg.Store.MaxConns)
}

func TestFromEnv_UnknownEnvIsDev(t *testing.T) {
	t.Setenv("LIMEN_ENV", "staging")
	require.Equal(t, "dev", config.FromEnv().Env)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
store:
  driver: memory
pubsub:
  driver: nats
  url: nats://broker:4222
  timeout: 2s
binding:
  code_ttl: 5m
`), 0o600))
	t.Setenv("LIMEN_HTTP_ADDR", ":7001")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7001", cfg.HTTP.Addr)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "nats", cfg.PubSub.Driver)
	require.Equal(t, "nats://broker:4222", cfg.PubSub.URL)
	require.Equal(t, 2*time.Second, cfg.PubSub.Timeout)
	require.Equal(t, 5*time.Minute, cfg.Binding.CodeTTL)
	// Unset keys keep their defaults.
	require.Equal(t, "dev", cfg.Mail.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errMsg string
	}{
		{
			name:   "postgres needs dsn",
			mutate: func(c *config.Config) { c.Store.Driver = "postgres" },
			errMsg: "LIMEN_DATABASE_URL",
		},
		{
			name:   "unknown pubsub",
			mutate: func(c *config.Config) { c.PubSub.Driver = "kafka" },
			errMsg: `unknown pubsub driver "kafka"`,
		},
		{
			name:   "redis queue needs url",
			mutate: func(c *config.Config) { c.Queue.Driver = "redis" },
			errMsg: "LIMEN_REDIS_URL",
		},
		{
			name: "prod needs bot token and real mail",
			mutate: func(c *config.Config) {
				c.Env = "prod"
			},
			errMsg: "LIMEN_BOT_TOKEN is required in prod",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestValidate_BrokerTLS(t *testing.T) {
	cfg := config.Default()
	require.True(t, cfg.PubSub.TLS)
	require.NoError(t, cfg.Validate())

	cfg.PubSub.URL = "tcp://localhost:1883"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "mqtt url scheme is plaintext")

	cfg.PubSub.TLS = false
	require.NoError(t, cfg.Validate())

	cfg.Env = "prod"
	cfg.Bot.Token = "bot-secret"
	cfg.Mail.Driver = "mailersend"
	cfg.Mail.MailerSendKey = "key"
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "LIMEN_BROKER_TLS must be on in prod")

	cfg.PubSub.TLS = true
	cfg.PubSub.URL = "mqtts://broker:8883"
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_BrokerTLSOverride(t *testing.T) {
	t.Setenv("LIMEN_BROKER_TLS", "false")
	t.Setenv("LIMEN_BROKER_URL", "tcp://mosquitto:1883")

	cfg := config.FromEnv()
	require.False(t, cfg.PubSub.TLS)
	require.NoError(t, cfg.Validate())
}

func TestValidate_DoesNotEchoSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Mail.Driver = "smtp"
	cfg.Mail.SMTPPass = "smtp-password"
	cfg.Bot.Token = "bot-secret"

	err := cfg.Validate()
	require.Error(t, err)
	require.NotContains(t, err.Error(), "smtp-password")
	require.NotContains(t, err.Error(), "bot-secret")
}
