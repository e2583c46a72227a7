package factory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/audit"
	"vote-service/internal/bucketing"
	"vote-service/internal/client"
	"vote-service/internal/config"
	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/guard"
	"vote-service/internal/hashing"
	"vote-service/internal/otp"
	redisrepo "vote-service/internal/repository/redis"
	"vote-service/internal/repository/scylla"
	"vote-service/internal/repository/sqldb"
	"vote-service/internal/service"
	"vote-service/internal/tls"
	"vote-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	instanceID string
	tlsManager *tls.TLSManager

	// Clients
	db               *sql.DB
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads config, connects to every configured backend and builds
// the services on top of them.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config:     cfg,
		logger:     logger,
		instanceID: instanceID(),
		closed:     make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(tls.ConfigFromServer(cfg.Environment, cfg.Server), logger)
	}

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("instance_id", f.instanceID),
		util.String("otp_store", cfg.OTP.Store),
		util.String("ledger_driver", cfg.Ledger.Driver),
		util.String("delivery_mode", cfg.Delivery.Mode),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "vote"
	}
	return host + "-" + uuid.NewString()[:8]
}

// initializeClients connects the backends the config asks for. Required
// backends fail startup; audit sinks only fail it in production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := sqldb.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	f.db = db
	if err := sqldb.CreateSchema(ctx, db); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	f.logger.Info("Ledger database ready", util.String("driver", cfg.Ledger.Driver))

	if cfg.OTP.Store == "redis" {
		c, err := client.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
	}

	if cfg.OTP.Store == "scylla" {
		c, err := scylla.NewScyllaClient(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
	}

	if cfg.Kafka.Enabled || cfg.Delivery.Mode == "kafka" {
		producer, err := client.NewKafkaProducer(cfg)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		f.kafkaProducer = producer
	}
	if cfg.Kafka.Enabled {
		group := cfg.Kafka.GroupPrefix + "-tally-" + f.instanceID
		consumer, err := client.NewKafkaConsumer(cfg, cfg.Kafka.TallyTopic, group)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		f.kafkaConsumer = consumer
	}

	var sinkErrors []error

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, f.logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg, f.logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(sinkErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("audit sink initialization failed: %v", sinkErrors)
		}
		for _, err := range sinkErrors {
			f.logger.Warn("Audit sink unavailable, continuing without it", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var keys encryption.KeyService
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		f.kmsClient = kmsClient
		keys = kmsClient
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, keys)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	f.logger.Info("Managers initialized successfully",
		util.Bool("kms_client", f.kmsClient != nil),
		util.Int("session_buckets", f.bucketingManager.SessionBuckets()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

func (f *Factory) initializeServices() error {
	sf, err := service.NewServiceFactory(service.Deps{
		Config:     f.config,
		Logger:     f.logger,
		InstanceID: f.instanceID,
		DB:         f.db,
		Sessions:   f.sessionStore(),
		Counters:   f.counterStore(),
		Gateway:    f.gateway(),
		Hasher:     f.hasher,
		Sealer:     f.encryptionManager,
		Buckets:    f.bucketingManager,
		Producer:   f.kafkaProducer,
		Consumer:   f.kafkaConsumer,
		AuditSinks: f.auditSinks(),
	})
	if err != nil {
		return err
	}
	f.serviceFactory = sf
	return nil
}

func (f *Factory) sessionStore() otp.Store {
	switch f.config.OTP.Store {
	case "redis":
		return redisrepo.NewOTPCache(f.redisClient, f.config.OTP.TerminalGrace)
	case "scylla":
		return scylla.NewOTPRepository(f.scyllaClient, f.bucketingManager, f.config.OTP.TerminalGrace)
	default:
		f.logger.Warn("OTP sessions are kept in memory and will not survive a restart")
		return otp.NewMemoryStore()
	}
}

// counterStore shares Redis with the session store when there is one, so
// limits hold across instances.
func (f *Factory) counterStore() guard.CounterStore {
	if f.redisClient != nil {
		return redisrepo.NewRateLimitCache(f.redisClient)
	}
	return guard.NewMemoryStore()
}

func (f *Factory) gateway() delivery.Gateway {
	d := f.config.Delivery
	switch d.Mode {
	case "http":
		return delivery.NewHTTPGateway(d.URL, d.APIKey, d.Timeout, f.logger)
	case "kafka":
		return delivery.NewKafkaGateway(f.kafkaProducer, f.config.Kafka.DeliveryTopic)
	default:
		return delivery.NewLogGateway(f.logger)
	}
}

func (f *Factory) auditSinks() []audit.Sink {
	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sink.EnsureTable(ctx); err != nil {
			f.logger.Warn("could not create ClickHouse audit table", util.ErrorField(err))
		}
		cancel()
		sinks = append(sinks, sink)
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if len(sinks) == 0 || f.config.IsDevelopment() {
		sinks = append(sinks, audit.NewLogSink(f.logger.Named("audit")))
	}
	return sinks
}

// HealthCheck reports every configured backend that is not answering.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if err := f.db.PingContext(ctx); err != nil {
		healthErrors["ledger"] = err
	}
	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}
		if f.kafkaConsumer != nil {
			_ = f.kafkaConsumer.Close()
		}
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.clickhouseClient != nil {
			_ = f.clickhouseClient.Close()
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.db != nil {
			if err := f.db.Close(); err != nil {
				f.logger.Error("Failed to close ledger database", util.ErrorField(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		f.logger.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) Config() *config.Config { return f.config }
func (f *Factory) Logger() *zap.Logger { return f.logger }
func (f *Factory) TLSManager() *tls.TLSManager { return f.tlsManager }
func (f *Factory) ServiceFactory() *service.ServiceFactory { return f.serviceFactory }
