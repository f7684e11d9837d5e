// Package config loads the chat server configuration from defaults, an
// optional YAML file and ROOMCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/whisper/roomchat/internal/logger"
)

// Store driver names.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverSQL    = "sql"
	DriverRedis  = "redis" // uses the redis section
)

const envPrefix = "ROOMCHAT"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Log        logger.Config    `mapstructure:"log"`
	Moderation ModerationConfig `mapstructure:"moderation"`
}

type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ServerName        string        `mapstructure:"server_name"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type StoreConfig struct {
	Driver string      `mapstructure:"driver"`
	Mongo  MongoConfig `mapstructure:"mongo"`
	SQL    SQLConfig   `mapstructure:"sql"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SQLConfig struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the session mirror and rate limiter. An empty
// address disables both.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig configures the event bus. An empty URL disables it.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

type RateLimitConfig struct {
	SendLimit     int           `mapstructure:"send_limit"`
	SendWindow    time.Duration `mapstructure:"send_window"`
	ConnectLimit  int           `mapstructure:"connect_limit"`
	ConnectWindow time.Duration `mapstructure:"connect_window"`
}

type ModerationConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ExtraTerms  []string      `mapstructure:"extra_terms"`
	Window      time.Duration `mapstructure:"window"`       // per room and sender
	BurstLimit  int           `mapstructure:"burst_limit"`  // messages per window
	RepeatLimit int           `mapstructure:"repeat_limit"` // identical messages per window
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.server_name", "chat-1")
	v.SetDefault("server.worker_pool_size", 256)
	v.SetDefault("server.max_connections", 100000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.heartbeat_timeout", "10s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "roomchat")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "roomchat")
	v.SetDefault("store.mongo.collection", "messages")
	v.SetDefault("store.mongo.connect_timeout", "10s")
	v.SetDefault("store.sql.driver", "postgres")
	v.SetDefault("store.sql.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "roomchat")

	v.SetDefault("ratelimit.send_limit", 20)
	v.SetDefault("ratelimit.send_window", "10s")
	v.SetDefault("ratelimit.connect_limit", 30)
	v.SetDefault("ratelimit.connect_window", "1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "chatserver")

	v.SetDefault("moderation.enabled", false)
	v.SetDefault("moderation.extra_terms", []string{})
	v.SetDefault("moderation.window", "10s")
	v.SetDefault("moderation.burst_limit", 8)
	v.SetDefault("moderation.repeat_limit", 3)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverMongo:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: store.driver redis requires redis.addr")
		}
	case DriverSQL:
		if c.Store.SQL.Driver != "postgres" && c.Store.SQL.Driver != "sqlite" {
			return fmt.Errorf("config: unsupported sql driver %q", c.Store.SQL.Driver)
		}
	default:
		return fmt.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Server.WorkerPoolSize <= 0 {
		return errors.New("config: server.worker_pool_size must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("config: server.max_connections must be positive")
	}
	return nil
}
