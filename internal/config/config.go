package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"` // "dev" | "prod"
	LogLevel string `yaml:"log_level"`

	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Mail      MailConfig      `yaml:"mail"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Binding   BindingConfig   `yaml:"binding"`
	Bot       BotConfig       `yaml:"bot"`
	Door      DoorConfig      `yaml:"door"`

	// DevDeviceSecret is the secret given to the seeded front-door in dev.
	DevDeviceSecret string `yaml:"dev_device_secret"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AdminToken guards the read-only audit listing. Empty disables it.
	AdminToken string `yaml:"admin_token"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" | "postgres" | "memory"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int    `yaml:"max_conns"`
}

// PubSubConfig selects the broker. TLS forces an encrypted connection; MQTT
// URLs must then use a TLS scheme (tls://, ssl://, mqtts://, wss://).
type PubSubConfig struct {
	Driver   string        `yaml:"driver"` // "mqtt" | "nats" | "memory"
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      bool          `yaml:"tls"`
	CAFile   string        `yaml:"ca_file"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MailConfig struct {
	Driver   string `yaml:"driver"` // "dev" | "smtp" | "mailersend"
	FromName string `yaml:"from_name"`
	From     string `yaml:"from"`

	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass"`
	SMTPTLS  bool   `yaml:"smtp_tls"`

	MailerSendKey string `yaml:"mailersend_key"`
}

type QueueConfig struct {
	Driver      string `yaml:"driver"` // "memory" | "redis"
	RedisURL    string `yaml:"redis_url"`
	Name        string `yaml:"name"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	Driver   string        `yaml:"driver"` // "memory" | "redis"
	RedisURL string        `yaml:"redis_url"`
	Limit    int           `yaml:"limit"` // attempts per window; 0 disables
	Window   time.Duration `yaml:"window"`
}

type BindingConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl"`
}

type BotConfig struct {
	// Token is the shared bot-to-backend secret.
	Token         string        `yaml:"token"`
	BackendURL    string        `yaml:"backend_url"`
	TelegramToken string        `yaml:"telegram_token"`
	Timeout       time.Duration `yaml:"timeout"`
}

type DoorConfig struct {
	DeviceName     string        `yaml:"device_name"`
	UnlockDuration time.Duration `yaml:"unlock_duration"`
}

// Default returns the dev configuration.
func Default() Config {
	return Config{
		Env:      "dev",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./data/limen.db",
			MaxConns:   10,
		},
		PubSub: PubSubConfig{
			Driver:  "mqtt",
			URL:     "tls://localhost:8883",
			TLS:     true,
			Timeout: 5 * time.Second,
		},
		Mail: MailConfig{
			Driver:   "dev",
			FromName: "Limen",
			From:     "no-reply@limen.local",
			SMTPPort: 587,
		},
		Queue: QueueConfig{
			Driver:      "memory",
			Name:        "limen:mail",
			MaxAttempts: 5,
		},
		RateLimit: RateLimitConfig{
			Driver: "memory",
			Limit:  5,
			Window: time.Minute,
		},
		Binding: BindingConfig{CodeTTL: 3 * time.Minute},
		Bot: BotConfig{
			BackendURL: "http://localhost:8080",
			Timeout:    10 * time.Second,
		},
		Door: DoorConfig{
			DeviceName:     "front-door",
			UnlockDuration: 3 * time.Second,
		},
		DevDeviceSecret: "S1",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if any), then LIMEN_* environment variables. A .env file in the working
// directory is read first and never overrides variables already set.
func Load(path string) (Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load without server validation, for the bot, the door agent
// and the CLI, which read only their own sections.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("LIMEN_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv is Load without a file or validation.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.Env = strings.ToLower(getenvDefault("LIMEN_ENV", c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	c.LogLevel = getenvDefault("LIMEN_LOG_LEVEL", c.LogLevel)
	c.DevDeviceSecret = getenvDefault("LIMEN_DEV_DEVICE_SECRET", c.DevDeviceSecret)

	c.HTTP.Addr = getenvDefault("LIMEN_HTTP_ADDR", c.HTTP.Addr)
	if origins := splitCSV(os.Getenv("LIMEN_CORS_ORIGINS")); origins != nil {
		c.HTTP.CORSOrigins = origins
	}
	c.HTTP.ReadTimeout = getenvDuration("LIMEN_HTTP_READ_TIMEOUT", c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = getenvDuration("LIMEN_HTTP_WRITE_TIMEOUT", c.HTTP.WriteTimeout)
	c.HTTP.AdminToken = getenvDefault("LIMEN_ADMIN_TOKEN", c.HTTP.AdminToken)

	c.Store.Driver = strings.ToLower(getenvDefault("LIMEN_STORE", c.Store.Driver))
	c.Store.SQLitePath = getenvDefault("LIMEN_DB_PATH", c.Store.SQLitePath)
	c.Store.PostgresDSN = getenvDefault("LIMEN_DATABASE_URL", c.Store.PostgresDSN)
	c.Store.MaxConns = getenvInt("LIMEN_DB_MAX_CONNS", c.Store.MaxConns)

	c.PubSub.Driver = strings.ToLower(getenvDefault("LIMEN_PUBSUB", c.PubSub.Driver))
	c.PubSub.URL = getenvDefault("LIMEN_BROKER_URL", c.PubSub.URL)
	c.PubSub.Username = getenvDefault("LIMEN_BROKER_USER", c.PubSub.Username)
	c.PubSub.Password = getenvDefault("LIMEN_BROKER_PASS", c.PubSub.Password)
	c.PubSub.TLS = getenvBool("LIMEN_BROKER_TLS", c.PubSub.TLS)
	c.PubSub.CAFile = getenvDefault("LIMEN_BROKER_CA_FILE", c.PubSub.CAFile)
	c.PubSub.Timeout = getenvDuration("LIMEN_PUBLISH_TIMEOUT", c.PubSub.Timeout)

	c.Mail.Driver = strings.ToLower(getenvDefault("LIMEN_MAIL", c.Mail.Driver))
	c.Mail.FromName = getenvDefault("LIMEN_MAIL_FROM_NAME", c.Mail.FromName)
	c.Mail.From = getenvDefault("LIMEN_MAIL_FROM", c.Mail.From)
	c.Mail.SMTPHost = getenvDefault("LIMEN_SMTP_HOST", c.Mail.SMTPHost)
	c.Mail.SMTPPort = getenvInt("LIMEN_SMTP_PORT", c.Mail.SMTPPort)
	c.Mail.SMTPUser = getenvDefault("LIMEN_SMTP_USER", c.Mail.SMTPUser)
	c.Mail.SMTPPass = getenvDefault("LIMEN_SMTP_PASS", c.Mail.SMTPPass)
	c.Mail.SMTPTLS = getenvBool("LIMEN_SMTP_TLS", c.Mail.SMTPTLS)
	c.Mail.MailerSendKey = getenvDefault("LIMEN_MAILERSEND_API_KEY", c.Mail.MailerSendKey)

	c.Queue.Driver = strings.ToLower(getenvDefault("LIMEN_QUEUE", c.Queue.Driver))
	c.Queue.RedisURL = getenvDefault("LIMEN_REDIS_URL", c.Queue.RedisURL)
	c.Queue.MaxAttempts = getenvInt("LIMEN_MAIL_MAX_ATTEMPTS", c.Queue.MaxAttempts)

	c.RateLimit.Driver = strings.ToLower(getenvDefault("LIMEN_RATE_LIMIT", c.RateLimit.Driver))
	c.RateLimit.RedisURL = getenvDefault("LIMEN_REDIS_URL", c.RateLimit.RedisURL)
	c.RateLimit.Limit = getenvInt("LIMEN_RATE_LIMIT_MAX", c.RateLimit.Limit)
	c.RateLimit.Window = getenvDuration("LIMEN_RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Binding.CodeTTL = getenvDuration("LIMEN_CODE_TTL", c.Binding.CodeTTL)

	c.Bot.Token = getenvDefault("LIMEN_BOT_TOKEN", c.Bot.Token)
	c.Bot.BackendURL = getenvDefault("LIMEN_BACKEND_URL", c.Bot.BackendURL)
	c.Bot.TelegramToken = getenvDefault("LIMEN_TELEGRAM_TOKEN", c.Bot.TelegramToken)
	c.Bot.Timeout = getenvDuration("LIMEN_BOT_TIMEOUT", c.Bot.Timeout)

	c.Door.DeviceName = getenvDefault("LIMEN_DEVICE_NAME", c.Door.DeviceName)
	c.Door.UnlockDuration = getenvDuration("LIMEN_UNLOCK_DURATION", c.Door.UnlockDuration)
}

// Validate checks the server-side settings. Secrets are never echoed.
func (c Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			problems = append(problems, "LIMEN_DATABASE_URL is required for the postgres store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	switch c.PubSub.Driver {
	case "mqtt", "nats":
		if c.PubSub.URL == "" {
			problems = append(problems, "LIMEN_BROKER_URL is required")
		}
		if c.PubSub.Driver == "mqtt" && c.PubSub.TLS && plaintextMQTT(c.PubSub.URL) {
			problems = append(problems, "broker tls is on but the mqtt url scheme is plaintext")
		}
		if c.Env == "prod" && !c.PubSub.TLS {
			problems = append(problems, "LIMEN_BROKER_TLS must be on in prod")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown pubsub driver %q", c.PubSub.Driver))
	}

	switch c.Mail.Driver {
	case "dev":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			problems = append(problems, "LIMEN_SMTP_HOST is required for smtp mail")
		}
	case "mailersend":
		if c.Mail.MailerSendKey == "" {
			problems = append(problems, "LIMEN_MAILERSEND_API_KEY is required for mailersend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mail driver %q", c.Mail.Driver))
	}

	if c.Queue.Driver != "memory" && c.Queue.Driver != "redis" {
		problems = append(problems, fmt.Sprintf("unknown queue driver %q", c.Queue.Driver))
	}
	if c.RateLimit.Driver != "memory" && c.RateLimit.Driver != "redis" {
		problems = append(problems, fmt.Sprintf("unknown rate limit driver %q", c.RateLimit.Driver))
	}
	if (c.Queue.Driver == "redis" && c.Queue.RedisURL == "") ||
		(c.RateLimit.Driver == "redis" && c.RateLimit.RedisURL == "") {
		problems = append(problems, "LIMEN_REDIS_URL is required for redis drivers")
	}

	if c.Binding.CodeTTL <= 0 {
		problems = append(problems, "code ttl must be positive")
	}

	if c.Env == "prod" {
		if c.Bot.Token == "" {
			problems = append(problems, "LIMEN_BOT_TOKEN is required in prod")
		}
		if c.Mail.Driver == "dev" {
			problems = append(problems, "dev mailer is not allowed in prod")
		}
		if c.Store.Driver == "memory" {
			problems = append(problems, "memory store is not allowed in prod")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func plaintextMQTT(url string) bool {
	for _, p := range []string{"tcp://", "mqtt://", "ws://"} {
		if strings.HasPrefix(strings.ToLower(url), p) {
			return true
		}
	}
	return false
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
