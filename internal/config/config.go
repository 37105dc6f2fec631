package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Auth     AuthConfig     `yaml:"auth"`
}

type AppConfig struct {
	Name            string        `yaml:"name"`
	Port            string        `yaml:"port"`
	Env             string        `yaml:"env"`
	LogLevel        string        `yaml:"log_level"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	Schema          string        `yaml:"schema"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	OrderTTL       time.Duration `yaml:"order_ttl"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type KafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	BufferSize int      `yaml:"buffer_size"`
}

// AuthConfig.Policy maps a capability name to the roles allowed to use it.
// An empty policy falls back to the built-in one.
type AuthConfig struct {
	JWTSecret string              `yaml:"jwt_secret"`
	Issuer    string              `yaml:"issuer"`
	Policy    map[string][]string `yaml:"policy"`
}

func Default() Config {
	return Config{
		App: AppConfig{
			Name:            "lumashop-service",
			Port:            "8080",
			Env:             "development",
			LogLevel:        "debug",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			DBName:          "lumashop",
			SSLMode:         "disable",
			Schema:          "lumashop",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			OrderTTL:       5 * time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			Topic:      "lumashop.orders",
			BufferSize: 256,
		},
		Auth: AuthConfig{
			Issuer: "lumashop",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. envFile is a dotenv file loaded into the process
// environment first; a missing envFile is not an error.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.App.Port, "APP_PORT")
	setString(&c.App.Env, "APP_ENV")
	setString(&c.App.LogLevel, "LOG_LEVEL")

	setString(&c.Postgres.Host, "DB_HOST")
	setString(&c.Postgres.Port, "DB_PORT")
	setString(&c.Postgres.User, "DB_USER")
	setString(&c.Postgres.Password, "DB_PASSWORD")
	setString(&c.Postgres.DBName, "DB_NAME")
	setString(&c.Postgres.SSLMode, "DB_SSLMODE")
	setString(&c.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")
	if err := setInt32(&c.Postgres.MaxConns, "DB_MAX_CONNS"); err != nil {
		return err
	}

	if err := setBool(&c.Redis.Enabled, "REDIS_ENABLED"); err != nil {
		return err
	}
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	if err := setDuration(&c.Redis.OrderTTL, "REDIS_ORDER_TTL"); err != nil {
		return err
	}

	if err := setBool(&c.Kafka.Enabled, "KAFKA_ENABLED"); err != nil {
		return err
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitCSV(v)
	}
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")

	setString(&c.Auth.JWTSecret, "AUTH_JWT_SECRET")
	setString(&c.Auth.Issuer, "AUTH_ISSUER")

	return nil
}

func (c *Config) Validate() error {
	if c.App.Port == "" {
		return errors.New("config: app.port is required")
	}
	if c.Postgres.Host == "" || c.Postgres.Port == "" || c.Postgres.User == "" || c.Postgres.DBName == "" {
		return errors.New("config: postgres host, port, user and dbname are required")
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("config: postgres min_conns %d exceeds max_conns %d", c.Postgres.MinConns, c.Postgres.MaxConns)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.brokers is required when kafka is enabled")
	}
	if c.Kafka.Enabled && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when kafka is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt32(dst *int32, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
