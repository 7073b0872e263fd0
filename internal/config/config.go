// Package config loads the server configuration from defaults, an optional
// config.yaml, an optional .env file and STUDIO_* environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"studio/internal/application/datasync"
	"studio/internal/domain/course"
)

// EnvProduction is the environment name that requires explicit secrets.
const EnvProduction = "production"

var (
	ErrMissingSecret = errors.New("secret is required in production")
	ErrInvalidSecret = errors.New("secret must be 64 hex characters (32 bytes)")
	ErrWindowDays    = errors.New("schedule.window_days must be positive")
)

type HTTPConfig struct {
	Addr           string
	RateLimit      int           `mapstructure:"rate_limit"`
	SlowRequest    time.Duration `mapstructure:"slow_request"`
	TrustedOrigins []string      `mapstructure:"trusted_origins"`
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

type RemoteConfig struct {
	DatabaseURL    string        `mapstructure:"database_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type LocalConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ScheduleConfig struct {
	TemplatePath string `mapstructure:"template_path"` // empty selects the built-in week
	WindowDays   int    `mapstructure:"window_days"`
	Timezone     string
	Locale       string
}

type AdminConfig struct {
	FirstName string `mapstructure:"first_name"`
	LastName  string `mapstructure:"last_name"`
	Email     string
	Password  string
}

type EmailConfig struct {
	ResendKey string `mapstructure:"resend_key"` // empty disables delivery
	From      string
	ReplyTo   string `mapstructure:"reply_to"`
}

type SecretConfig struct {
	Secret string // hex
}

type CSRFConfig struct {
	Key string // hex
}

// Config is the server configuration.
type Config struct {
	Environment string
	HTTP        HTTPConfig
	Log         LogConfig
	Remote      RemoteConfig
	Local       LocalConfig
	Redis       RedisConfig
	Schedule    ScheduleConfig
	Admin       AdminConfig
	Email       EmailConfig
	Session     SecretConfig
	CSRF        CSRFConfig
}

// Load reads the configuration. configFile and envFile may be empty; the
// defaults are ./config.yaml and ./.env, and missing files are not an error.
// POST: Remote.ConnectTimeout lies within the accepted connect range
func Load(configFile, envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if clamped := datasync.ClampConnectTimeout(cfg.Remote.ConnectTimeout); clamped != cfg.Remote.ConnectTimeout {
		slog.Warn("config_event", "event", "connect_timeout_clamped", "from", cfg.Remote.ConnectTimeout.String(), "to", clamped.String())
		cfg.Remote.ConnectTimeout = clamped
	}
	if cfg.Schedule.WindowDays <= 0 {
		return nil, ErrWindowDays
	}
	if _, err := course.LocaleFor(cfg.Schedule.Locale); err != nil {
		return nil, err
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 10)
	v.SetDefault("http.slow_request", "200ms")
	v.SetDefault("http.trusted_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("remote.database_url", "")
	v.SetDefault("remote.connect_timeout", "12s")

	v.SetDefault("local.sqlite_path", "studio.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("schedule.template_path", "")
	v.SetDefault("schedule.window_days", 14)
	v.SetDefault("schedule.timezone", "Europe/Berlin")
	v.SetDefault("schedule.locale", "de")

	v.SetDefault("admin.first_name", "Studio")
	v.SetDefault("admin.last_name", "Admin")
	v.SetDefault("admin.email", "")
	v.SetDefault("admin.password", "")

	v.SetDefault("email.resend_key", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.reply_to", "")

	v.SetDefault("session.secret", "")
	v.SetDefault("csrf.key", "")
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Location returns the studio's time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// SessionKey returns the cookie signing key.
func (c *Config) SessionKey() ([]byte, error) {
	return c.decodeKey("session.secret", c.Session.Secret)
}

// CSRFKey returns the CSRF token key.
func (c *Config) CSRFKey() ([]byte, error) {
	return c.decodeKey("csrf.key", c.CSRF.Key)
}

// decodeKey decodes a hex secret. Outside production a missing secret is
// replaced by a random one, so sessions do not survive a restart.
func (c *Config) decodeKey(name, value string) ([]byte, error) {
	if value != "" {
		key, err := hex.DecodeString(value)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("%s: %w", name, ErrInvalidSecret)
		}
		return key, nil
	}
	if c.IsProduction() {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingSecret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	slog.Warn("config_event", "event", "random_secret", "key", name)
	return key, nil
}
