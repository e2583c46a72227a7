package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the vote service
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Identity      IdentityConfig
	OTP           OTPConfig
	Token         TokenConfig
	Ledger        LedgerConfig
	Broadcast     BroadcastConfig
	Delivery      DeliveryConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	EnableTLS      bool
	RequireHTTPS   bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	PoolSize    int
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TallyTopic    string
	DeliveryTopic string
	GroupPrefix   string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers is a comma separated list of version:secret pairs, newest last.
	Peppers string
}

type BucketingConfig struct {
	SessionBuckets int
	EventBuckets   int
}

type IdentityConfig struct {
	Mode string // combined, phone or email
	Salt string
}

type OTPConfig struct {
	Store          string // memory, redis or scylla
	CodeTTL        time.Duration
	MaxAttempts    int
	RequestLimit   int
	RequestWindow  time.Duration
	ResendCooldown time.Duration
	SweepInterval  time.Duration
	TerminalGrace  time.Duration
	DefaultChannel string
}

type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

type LedgerConfig struct {
	Driver           string // postgres or sqlite
	DSN              string
	ReconcileOnStart bool
}

type BroadcastConfig struct {
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	WriteTimeout        time.Duration
	SubscriberBuffer    int
	ReorderWindow       time.Duration
}

type DeliveryConfig struct {
	Mode    string // log, http or kafka
	URL     string
	APIKey  string
	Timeout time.Duration
}

type AuditConfig struct {
	Enabled       bool
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads an optional .env file and then the process environment
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			RequireHTTPS:   getEnvBool("SERVER_REQUIRE_HTTPS", false),
			AutoCert:       getEnvBool("SERVER_AUTOCERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*", "http://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "contest_votes"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvBool("KAFKA_ENABLED", false),
			Brokers:       getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			TallyTopic:    getEnv("KAFKA_TALLY_TOPIC", "contest.tally-deltas"),
			DeliveryTopic: getEnv("KAFKA_DELIVERY_TOPIC", "contest.otp-delivery"),
			GroupPrefix:   getEnv("KAFKA_GROUP_PREFIX", "vote-service"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "vote-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "contest"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "eu-west-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Peppers:           getEnv("OTP_PEPPERS", ""),
		},
		Bucketing: BucketingConfig{
			SessionBuckets: getEnvInt("SESSION_BUCKETS", 64),
			EventBuckets:   getEnvInt("EVENT_BUCKETS", 16),
		},
		Identity: IdentityConfig{
			Mode: getEnv("IDENTITY_MODE", "combined"),
			Salt: getEnv("IDENTITY_SALT", ""),
		},
		OTP: OTPConfig{
			Store:          getEnv("OTP_STORE", "redis"),
			CodeTTL:        getEnvDuration("OTP_CODE_TTL", 5*time.Minute),
			MaxAttempts:    getEnvInt("OTP_MAX_ATTEMPTS", 3),
			RequestLimit:   getEnvInt("OTP_REQUEST_LIMIT", 5),
			RequestWindow:  getEnvDuration("OTP_REQUEST_WINDOW", time.Hour),
			ResendCooldown: getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
			SweepInterval:  getEnvDuration("OTP_SWEEP_INTERVAL", time.Minute),
			TerminalGrace:  getEnvDuration("OTP_TERMINAL_GRACE", 30*time.Minute),
			DefaultChannel: getEnv("OTP_DEFAULT_CHANNEL", "sms"),
		},
		Token: TokenConfig{
			Secret: getEnv("VOTE_TOKEN_SECRET", ""),
			Issuer: getEnv("VOTE_TOKEN_ISSUER", "vote-service"),
			TTL:    getEnvDuration("VOTE_TOKEN_TTL", 10*time.Minute),
		},
		Ledger: LedgerConfig{
			Driver:           getEnv("LEDGER_DRIVER", "sqlite"),
			DSN:              getEnv("LEDGER_DSN", "file:votes.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
			ReconcileOnStart: getEnvBool("LEDGER_RECONCILE_ON_START", true),
		},
		Broadcast: BroadcastConfig{
			HeartbeatInterval:   getEnvDuration("BROADCAST_HEARTBEAT_INTERVAL", 15*time.Second),
			MaxMissedHeartbeats: getEnvInt("BROADCAST_MAX_MISSED_HEARTBEATS", 3),
			WriteTimeout:        getEnvDuration("BROADCAST_WRITE_TIMEOUT", 5*time.Second),
			SubscriberBuffer:    getEnvInt("BROADCAST_SUBSCRIBER_BUFFER", 64),
			ReorderWindow:       getEnvDuration("BROADCAST_REORDER_WINDOW", 2*time.Second),
		},
		Delivery: DeliveryConfig{
			Mode:    getEnv("DELIVERY_MODE", "log"),
			URL:     getEnv("DELIVERY_URL", ""),
			APIKey:  getEnv("DELIVERY_API_KEY", ""),
			Timeout: getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("AUDIT_ENABLED", true),
			BufferSize:    getEnvInt("AUDIT_BUFFER_SIZE", 4096),
			BatchSize:     getEnvInt("AUDIT_BATCH_SIZE", 200),
			FlushInterval: getEnvDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the most recently loaded config, loading it on first use
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.OTP.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1"))
	}
	if c.OTP.CodeTTL <= 0 {
		errs = append(errs, fmt.Errorf("OTP_CODE_TTL must be positive"))
	}
	if c.OTP.RequestLimit < 1 {
		errs = append(errs, fmt.Errorf("OTP_REQUEST_LIMIT must be at least 1"))
	}
	switch c.OTP.Store {
	case "memory", "redis", "scylla":
	default:
		errs = append(errs, fmt.Errorf("unknown OTP_STORE %q", c.OTP.Store))
	}
	switch c.Ledger.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_DRIVER %q", c.Ledger.Driver))
	}
	switch c.Delivery.Mode {
	case "log", "http", "kafka":
	default:
		errs = append(errs, fmt.Errorf("unknown DELIVERY_MODE %q", c.Delivery.Mode))
	}
	switch c.Identity.Mode {
	case "combined", "phone", "email":
	default:
		errs = append(errs, fmt.Errorf("unknown IDENTITY_MODE %q", c.Identity.Mode))
	}
	if c.Delivery.Mode == "http" && c.Delivery.URL == "" {
		errs = append(errs, fmt.Errorf("DELIVERY_URL is required when DELIVERY_MODE=http"))
	}
	if (c.Delivery.Mode == "kafka" || c.Kafka.Enabled) && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required when kafka is used"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, fmt.Errorf("KMS_KEY_ID is required when KMS_ENABLED=true"))
	}

	if c.IsProduction() {
		if len(c.Token.Secret) < 32 {
			errs = append(errs, fmt.Errorf("VOTE_TOKEN_SECRET must be at least 32 bytes in production"))
		}
		if c.Hashing.Peppers == "" {
			errs = append(errs, fmt.Errorf("OTP_PEPPERS is required in production"))
		}
		if c.OTP.Store == "memory" {
			errs = append(errs, fmt.Errorf("OTP_STORE=memory is not allowed in production"))
		}
		if c.Delivery.Mode == "log" {
			errs = append(errs, fmt.Errorf("DELIVERY_MODE=log is not allowed in production"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "test"
}

// GetServerAddress returns the plain HTTP listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
