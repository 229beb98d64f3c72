// Package config loads erpid settings from an optional YAML file, ERPID_*
// environment variables and built-in defaults, in that order of precedence
// (env wins over the file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "ERPID"

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Tokens      TokensConfig      `mapstructure:"tokens"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Session     SessionConfig     `mapstructure:"session"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	App         AppConfig         `mapstructure:"app"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// HTTPConfig configures the public listener. RateLimit is requests per
// second per client IP; zero disables limiting.
type HTTPConfig struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst      int           `mapstructure:"rate_burst" validate:"gte=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" validate:"gt=0"`
}

type GRPCConfig struct {
	// Addr is optional; empty disables the gRPC health listener.
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"gte=0"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type TokensConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=postgres redis memory"`
	InviteTTL     time.Duration `mapstructure:"invite_ttl" validate:"gt=0"`
	ResetTTL      time.Duration `mapstructure:"reset_ttl" validate:"gt=0"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

type SessionConfig struct {
	Secret      string        `mapstructure:"secret" validate:"min=32"`
	Issuer      string        `mapstructure:"issuer" validate:"required"`
	TTL         time.Duration `mapstructure:"ttl" validate:"gt=0"`
	RememberTTL time.Duration `mapstructure:"remember_ttl" validate:"gtefield=TTL"`
}

type NotifyConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=smtp log"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	ReplyTo  string `mapstructure:"reply_to"`
}

type AppConfig struct {
	Name          string `mapstructure:"name" validate:"required"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required,url"`
}

type PermissionsConfig struct {
	// File overrides the embedded permission table when set.
	File string `mapstructure:"file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", 15*time.Second)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.rate_limit", 10.0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.shutdown_grace", 10*time.Second)

	v.SetDefault("grpc.addr", "")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 15*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("tokens.backend", "postgres")
	v.SetDefault("tokens.invite_ttl", 7*24*time.Hour)
	v.SetDefault("tokens.reset_ttl", time.Hour)
	v.SetDefault("tokens.purge_schedule", "@every 1h")
	v.SetDefault("tokens.retention", 24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "erpid:")

	v.SetDefault("session.secret", "")
	v.SetDefault("session.issuer", "erpid")
	v.SetDefault("session.ttl", 8*time.Hour)
	v.SetDefault("session.remember_ttl", 30*24*time.Hour)

	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.reply_to", "")

	v.SetDefault("app.name", "ERP")
	v.SetDefault("app.public_base_url", "http://localhost:8080")

	v.SetDefault("permissions.file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads path (optional) and the environment. A missing explicit file is
// an error; an empty path means environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-section rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Tokens.Backend == "postgres" && c.Database.Driver != "postgres" {
		return errors.New("invalid config: tokens.backend postgres requires database.driver postgres")
	}
	if c.Tokens.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("invalid config: tokens.backend redis requires redis.addr")
	}
	if c.Notify.Driver == "smtp" && (c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "") {
		return errors.New("invalid config: notify.driver smtp requires notify.smtp.host and notify.smtp.from")
	}
	return nil
}
