// Package config loads service settings from config/config.yaml, an optional
// .env file and the environment. Environment variables win; nested keys map
// to upper-case names with "." replaced by "_" (database.host -> DATABASE_HOST).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"imperious/messaging-service/internal/models"
)

type Config struct {
	Server   ServerConfig
	GRPC     GRPCConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Identity IdentityConfig
	Realtime RealtimeConfig
	Messages MessagesConfig
}

type ServerConfig struct {
	Host string
	Port int
}

func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type GRPCConfig struct {
	Host              string
	Port              int
	ReflectionEnabled bool
	ShutdownTimeout   time.Duration
}

func (c GRPCConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type LoggingConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.User, c.Password, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.DBName, c.SSLMode)
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	CacheLRU   = "lru"
	CacheRedis = "redis"
)

type StorageConfig struct {
	Driver string
}

type IdentityConfig struct {
	JWTSecret string
	Cache     CacheConfig
	// SeedUsers populates the in-memory directory used by the memory driver.
	SeedUsers []models.User
}

type CacheConfig struct {
	Driver   string
	Size     int
	TTL      time.Duration
	RedisURL string
}

type RealtimeConfig struct {
	SendBuffer     int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingPeriod     time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
	ErrorEvents    bool
	RequireAuth    bool
	RateLimit      float64
	RateBurst      int
}

type MessagesConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50055)
	v.SetDefault("grpc.reflection_enabled", false)
	v.SetDefault("grpc.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "messaging")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("storage.driver", StoragePostgres)

	v.SetDefault("identity.cache.driver", CacheLRU)
	v.SetDefault("identity.cache.size", 1024)
	v.SetDefault("identity.cache.ttl", 5*time.Minute)

	v.SetDefault("realtime.send_buffer", 128)
	v.SetDefault("realtime.read_timeout", 60*time.Second)
	v.SetDefault("realtime.write_timeout", 10*time.Second)
	v.SetDefault("realtime.ping_period", 30*time.Second)
	v.SetDefault("realtime.request_timeout", 5*time.Second)
	v.SetDefault("realtime.max_message_size", 1<<20)
	v.SetDefault("realtime.error_events", false)
	v.SetDefault("realtime.require_auth", false)
	v.SetDefault("realtime.rate_limit", 20.0)
	v.SetDefault("realtime.rate_burst", 40)

	v.SetDefault("messages.default_page_size", 20)
	v.SetDefault("messages.max_page_size", 100)
}

// Load reads the configuration. A missing config file or .env file is not an
// error; defaults apply. Extra search paths are tried before the usual ones.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		GRPC: GRPCConfig{
			Host:              v.GetString("grpc.host"),
			Port:              v.GetInt("grpc.port"),
			ReflectionEnabled: v.GetBool("grpc.reflection_enabled"),
			ShutdownTimeout:   v.GetDuration("grpc.shutdown_timeout"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("storage.driver")),
		},
		Identity: IdentityConfig{
			JWTSecret: v.GetString("identity.jwt_secret"),
			Cache: CacheConfig{
				Driver:   strings.ToLower(v.GetString("identity.cache.driver")),
				Size:     v.GetInt("identity.cache.size"),
				TTL:      v.GetDuration("identity.cache.ttl"),
				RedisURL: v.GetString("identity.cache.redis_url"),
			},
		},
		Realtime: RealtimeConfig{
			SendBuffer:     v.GetInt("realtime.send_buffer"),
			ReadTimeout:    v.GetDuration("realtime.read_timeout"),
			WriteTimeout:   v.GetDuration("realtime.write_timeout"),
			PingPeriod:     v.GetDuration("realtime.ping_period"),
			RequestTimeout: v.GetDuration("realtime.request_timeout"),
			MaxMessageSize: v.GetInt64("realtime.max_message_size"),
			ErrorEvents:    v.GetBool("realtime.error_events"),
			RequireAuth:    v.GetBool("realtime.require_auth"),
			RateLimit:      v.GetFloat64("realtime.rate_limit"),
			RateBurst:      v.GetInt("realtime.rate_burst"),
		},
		Messages: MessagesConfig{
			DefaultPageSize: v.GetInt("messages.default_page_size"),
			MaxPageSize:     v.GetInt("messages.max_page_size"),
		},
	}

	if err := v.UnmarshalKey("identity.seed_users", &cfg.Identity.SeedUsers); err != nil {
		return nil, fmt.Errorf("failed to decode identity.seed_users: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}

	switch c.Identity.Cache.Driver {
	case CacheLRU:
		if c.Identity.Cache.Size <= 0 {
			return errors.New("identity.cache.size must be positive")
		}
	case CacheRedis:
		if c.Identity.Cache.RedisURL == "" {
			return errors.New("identity.cache.redis_url is required for the redis cache")
		}
	default:
		return fmt.Errorf("unsupported identity.cache.driver %q", c.Identity.Cache.Driver)
	}

	if c.Realtime.RequireAuth && c.Identity.JWTSecret == "" {
		return errors.New("realtime.require_auth needs identity.jwt_secret")
	}

	if c.Messages.MaxPageSize <= 0 {
		return errors.New("messages.max_page_size must be positive")
	}
	if c.Messages.DefaultPageSize <= 0 || c.Messages.DefaultPageSize > c.Messages.MaxPageSize {
		return fmt.Errorf("messages.default_page_size must be between 1 and %d", c.Messages.MaxPageSize)
	}

	return nil
}
