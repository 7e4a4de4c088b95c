package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Socket      SocketConfig      `mapstructure:"socket"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Threat      ThreatConfig      `mapstructure:"threat"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type SocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type StreamConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type WatcherConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Dir         string        `mapstructure:"dir"`
	BatchLimit  int           `mapstructure:"batch_limit"`
	FileTimeout time.Duration `mapstructure:"file_timeout"`
	// APIKey authenticates file-sourced envelopes, since a dropped file
	// carries no credential of its own.
	APIKey string `mapstructure:"api_key"`
}

type DatabaseConfig struct {
	Type     string         `mapstructure:"type"` // "postgres" or "memory"
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString renders the postgres connection URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type IngestionConfig struct {
	MaxPayloadBytes     int64    `mapstructure:"max_payload_bytes"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	MaxDepth            int      `mapstructure:"max_depth"`
	MaxKeys             int      `mapstructure:"max_keys"`
}

type RateLimitConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Requests            int           `mapstructure:"requests"`
	Window              time.Duration `mapstructure:"window"`
	IdleTTL             time.Duration `mapstructure:"idle_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	EscalationThreshold int           `mapstructure:"escalation_threshold"`
}

type CredentialsConfig struct {
	BcryptCost int           `mapstructure:"bcrypt_cost"`
	RotateAge  time.Duration `mapstructure:"rotate_age"`
}

type ThreatConfig struct {
	SignaturesFile string `mapstructure:"signatures_file"`
	BlockScore     int    `mapstructure:"block_score"`
}

type SyncConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Subject string `mapstructure:"subject"`
	// AnnounceSubject receives a fire-and-forget copy of each applied
	// change for read-side consumers; empty disables announcements.
	AnnounceSubject string        `mapstructure:"announce_subject"`
	Interval        time.Duration `mapstructure:"interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
}

type RetentionConfig struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AppliedChanges  time.Duration `mapstructure:"applied_changes"`
	SoftDeleted     time.Duration `mapstructure:"soft_deleted"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8070)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("socket.enabled", false)
	v.SetDefault("socket.path", "/var/run/inlet/inlet.sock")
	v.SetDefault("stream.idle_timeout", "90s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.dir", "/var/lib/inlet/drop")
	v.SetDefault("watcher.batch_limit", 100)
	v.SetDefault("watcher.file_timeout", "30s")
	v.SetDefault("watcher.api_key", "")
	v.SetDefault("database.type", "memory")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "inlet")
	v.SetDefault("database.postgres.database", "inlet")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("ingestion.max_payload_bytes", 1048576)
	v.SetDefault("ingestion.allowed_content_types", []string{"application/json"})
	v.SetDefault("ingestion.max_depth", 10)
	v.SetDefault("ingestion.max_keys", 1000)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.idle_ttl", "5m")
	v.SetDefault("rate_limit.sweep_interval", "1m")
	v.SetDefault("rate_limit.escalation_threshold", 5)
	v.SetDefault("credentials.bcrypt_cost", 10)
	v.SetDefault("credentials.rotate_age", "2160h") // 90 days
	v.SetDefault("threat.signatures_file", "")
	v.SetDefault("threat.block_score", 50)
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.subject", "inlet.sync.changes")
	v.SetDefault("sync.announce_subject", "inlet.changes")
	v.SetDefault("sync.interval", "5s")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.ack_timeout", "10s")
	v.SetDefault("retention.sweep_interval", "10m")
	v.SetDefault("retention.applied_changes", "24h")
	v.SetDefault("retention.soft_deleted", "720h") // 30 days
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/inlet")
	}

	// Environment variables override
	v.SetEnvPrefix("INLET")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
