package config

import (
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

// DefaultConfigPaths lists where a config file is searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fablink-messaging/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "MSG_CONFIG_PATH"

// EnvPrefix is the prefix for environment variable overrides. Sections are
// separated with a double underscore so single underscores survive inside key
// names, e.g. MSG_DATABASE__DSN, MSG_SERVER__SHUTDOWN_TIMEOUT.
const EnvPrefix = "MSG_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Channel  ChannelConfig  `koanf:"channel"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// SendRatePerSec bounds POST /api/messages per identity.
	SendRatePerSec float64 `koanf:"send_rate_per_sec"`
	SendBurst      int     `koanf:"send_burst"`
}

type DatabaseConfig struct {
	DSN          string        `koanf:"dsn"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	MaxIdleConns int           `koanf:"max_idle_conns"`
	ConnLifetime time.Duration `koanf:"conn_lifetime"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// UnreadCacheTTL bounds staleness of cached unread counts.
	UnreadCacheTTL time.Duration `koanf:"unread_cache_ttl"`
}

type AuthConfig struct {
	// JWTSecret verifies tokens issued by the account service.
	JWTSecret string `koanf:"jwt_secret"`
}

type ChannelConfig struct {
	WriteWait      time.Duration `koanf:"write_wait"`
	PongWait       time.Duration `koanf:"pong_wait"`
	SendBufferSize int           `koanf:"send_buffer_size"`
	MaxFrameSize   int64         `koanf:"max_frame_size"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			SendRatePerSec:  10,
			SendBurst:       20,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			ConnLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			UnreadCacheTTL: 30 * time.Second,
		},
		Channel: ChannelConfig{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			SendBufferSize: 256,
			MaxFrameSize:   8192,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration: defaults, then an optional yaml
// file, then MSG_* environment overrides.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// MSG_DATABASE__DSN -> database.dsn
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (MSG_DATABASE__DSN)")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (MSG_AUTH__JWT_SECRET)")
	}
	if c.Channel.PongWait <= c.Channel.WriteWait {
		return fmt.Errorf("channel.pong_wait must exceed channel.write_wait")
	}
	return nil
}

// PingPeriod derives the heartbeat interval from the pong deadline.
// It must fire before the peer's read deadline expires.
func (c ChannelConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
