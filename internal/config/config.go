package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Identity  IdentityConfig
	Cart      CartConfig
	Analytics AnalyticsConfig
	Tracing   TracingConfig
	LogLevel  string
}

type HTTPConfig struct {
	Port           string
	AllowedOrigins []string
	SecureCookies  bool
}

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
	// PrivilegedDSN is used for the role-assignment procedure. Empty means
	// the regular connection is reused.
	PrivilegedDSN  string
	MigrationsAuto bool
}

// DSN returns a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers        []string
	OrdersTopic    string
	AnalyticsTopic string
	AnalyticsDLQ   string
	ConsumerGroup  string
}

// Enabled reports whether a broker list was configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type IdentityConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type CartConfig struct {
	TTL time.Duration
}

type AnalyticsConfig struct {
	// Sink is one of kafka, postgres or log. Empty picks kafka when brokers
	// are configured and postgres otherwise.
	Sink           string
	BufferSize     int
	BreakerFails   int
	BreakerTimeout time.Duration
}

// SinkFor resolves the configured analytics sink against the Kafka settings.
func (a AnalyticsConfig) SinkFor(k KafkaConfig) string {
	if a.Sink != "" {
		return a.Sink
	}
	if k.Enabled() {
		return "kafka"
	}
	return "postgres"
}

// TracingConfig enables span export when JaegerEndpoint is set.
type TracingConfig struct {
	JaegerEndpoint string
	ServiceName    string
}

// Load reads configuration from defaults, an optional config.yaml, an
// optional .env file and STOREFRONT_* environment variables, in increasing
// order of precedence.
func Load() (*Config, error) {
	// .env is a development convenience only.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/storefront")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("storefront")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.secure_cookies", false)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "storefront")
	v.SetDefault("postgres.password", "storefront")
	v.SetDefault("postgres.database", "storefront")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.privileged_dsn", "")
	v.SetDefault("postgres.migrations_auto", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.orders_topic", "storefront.orders")
	v.SetDefault("kafka.analytics_topic", "storefront.analytics")
	v.SetDefault("kafka.analytics_dlq", "storefront.analytics.dlq")
	v.SetDefault("kafka.consumer_group", "analytics-sink")

	v.SetDefault("identity.url", "http://localhost:9999")
	v.SetDefault("identity.api_key", "")
	v.SetDefault("identity.timeout", "10s")

	v.SetDefault("cart.ttl", "720h")

	v.SetDefault("analytics.sink", "")
	v.SetDefault("analytics.buffer_size", 512)
	v.SetDefault("analytics.breaker_fails", 5)
	v.SetDefault("analytics.breaker_timeout", "30s")

	v.SetDefault("tracing.jaeger_endpoint", "")
	v.SetDefault("tracing.service_name", "storefront")

	v.SetDefault("log_level", "info")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:           v.GetString("http.port"),
			AllowedOrigins: splitList(v.GetStringSlice("http.allowed_origins")),
			SecureCookies:  v.GetBool("http.secure_cookies"),
		},
		Postgres: PostgresConfig{
			Host:           v.GetString("postgres.host"),
			Port:           v.GetString("postgres.port"),
			User:           v.GetString("postgres.user"),
			Password:       v.GetString("postgres.password"),
			Database:       v.GetString("postgres.database"),
			SSLMode:        v.GetString("postgres.sslmode"),
			PrivilegedDSN:  v.GetString("postgres.privileged_dsn"),
			MigrationsAuto: v.GetBool("postgres.migrations_auto"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers:        splitList(v.GetStringSlice("kafka.brokers")),
			OrdersTopic:    v.GetString("kafka.orders_topic"),
			AnalyticsTopic: v.GetString("kafka.analytics_topic"),
			AnalyticsDLQ:   v.GetString("kafka.analytics_dlq"),
			ConsumerGroup:  v.GetString("kafka.consumer_group"),
		},
		Identity: IdentityConfig{
			URL:     strings.TrimRight(v.GetString("identity.url"), "/"),
			APIKey:  v.GetString("identity.api_key"),
			Timeout: v.GetDuration("identity.timeout"),
		},
		Cart: CartConfig{
			TTL: v.GetDuration("cart.ttl"),
		},
		Analytics: AnalyticsConfig{
			Sink:           strings.ToLower(strings.TrimSpace(v.GetString("analytics.sink"))),
			BufferSize:     v.GetInt("analytics.buffer_size"),
			BreakerFails:   v.GetInt("analytics.breaker_fails"),
			BreakerTimeout: v.GetDuration("analytics.breaker_timeout"),
		},
		Tracing: TracingConfig{
			JaegerEndpoint: v.GetString("tracing.jaeger_endpoint"),
			ServiceName:    v.GetString("tracing.service_name"),
		},
		LogLevel: v.GetString("log_level"),
	}

	if cfg.HTTP.Port == "" {
		return nil, errors.New("http.port must not be empty")
	}
	if cfg.Cart.TTL <= 0 {
		return nil, fmt.Errorf("cart.ttl must be positive, got %s", cfg.Cart.TTL)
	}
	if cfg.Analytics.BufferSize <= 0 {
		return nil, fmt.Errorf("analytics.buffer_size must be positive, got %d", cfg.Analytics.BufferSize)
	}
	switch cfg.Analytics.Sink {
	case "", "kafka", "postgres", "log":
	default:
		return nil, fmt.Errorf("analytics.sink must be kafka, postgres or log, got %q", cfg.Analytics.Sink)
	}
	if cfg.Analytics.Sink == "kafka" && !cfg.Kafka.Enabled() {
		return nil, errors.New("analytics.sink=kafka requires kafka.brokers")
	}

	return cfg, nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
