package service

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"vote-service/internal/audit"
	"vote-service/internal/broadcast"
	"vote-service/internal/bucketing"
	"vote-service/internal/client"
	"vote-service/internal/config"
	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/events"
	"vote-service/internal/guard"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/ledger"
	"vote-service/internal/otp"
	"vote-service/internal/repository/sqldb"
	"vote-service/internal/token"
)

// Deps is the infrastructure the domain services are built on. Producer,
// Consumer and AuditSinks are optional.
type Deps struct {
	Config     *config.Config
	Logger     *zap.Logger
	InstanceID string

	DB       *sql.DB
	Sessions otp.Store
	Counters guard.CounterStore
	Gateway  delivery.Gateway

	Hasher  *hashing.Hasher
	Sealer  *encryption.EncryptionManager
	Buckets *bucketing.BucketingManager

	Producer   *client.KafkaProducer
	Consumer   *client.KafkaConsumer
	AuditSinks []audit.Sink
}

// Runner is a background loop the server keeps alive until shutdown.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// ServiceFactory wires the OTP manager, ledger, hub and audit trail
// together. Everything is built eagerly so a misconfiguration fails startup.
type ServiceFactory struct {
	logger     *zap.Logger
	issuer     *token.Issuer
	otpManager *otp.Manager
	ledger     *ledger.Ledger
	hub        *broadcast.Hub
	recorder   *audit.Recorder
	relay      *events.KafkaRelay
}

func NewServiceFactory(deps Deps) (*ServiceFactory, error) {
	cfg := deps.Config
	logger := deps.Logger

	normalizer, err := identity.NewNormalizer(identity.Mode(cfg.Identity.Mode), cfg.Identity.Salt)
	if err != nil {
		return nil, fmt.Errorf("identity normalizer: %w", err)
	}
	issuer, err := token.NewIssuer(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.TTL)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	f := &ServiceFactory{logger: logger, issuer: issuer}

	if cfg.Audit.Enabled {
		sinks := deps.AuditSinks
		if len(sinks) == 0 {
			sinks = []audit.Sink{audit.NewLogSink(logger.Named("audit"))}
		}
		f.recorder = audit.NewRecorder(cfg.Audit, deps.Buckets, logger, sinks...)
	}

	abuse := guard.NewAbuseGuard(deps.Counters, guard.Limits{
		RequestLimit:   cfg.OTP.RequestLimit,
		RequestWindow:  cfg.OTP.RequestWindow,
		AttemptLimit:   cfg.OTP.MaxAttempts * cfg.OTP.RequestLimit,
		AttemptWindow:  cfg.OTP.RequestWindow,
		ResendCooldown: cfg.OTP.ResendCooldown,
	}, logger)

	channel, ok := otp.ParseChannel(cfg.OTP.DefaultChannel)
	if !ok {
		return nil, fmt.Errorf("unknown OTP_DEFAULT_CHANNEL %q", cfg.OTP.DefaultChannel)
	}

	f.otpManager, err = otp.NewManager(otp.Deps{
		Store:      deps.Sessions,
		Normalizer: normalizer,
		Guard:      abuse,
		Gateway:    deps.Gateway,
		Hasher:     deps.Hasher,
		Sealer:     deps.Sealer,
		Issuer:     issuer,
		Audit:      f.auditor(),
		Logger:     logger,
	}, otp.Config{
		CodeTTL:        cfg.OTP.CodeTTL,
		MaxAttempts:    cfg.OTP.MaxAttempts,
		DefaultChannel: channel,
		SweepInterval:  cfg.OTP.SweepInterval,
		TerminalGrace:  cfg.OTP.TerminalGrace,
	})
	if err != nil {
		return nil, fmt.Errorf("otp manager: %w", err)
	}

	store := sqldb.NewLedgerStore(deps.DB, cfg.Ledger.Driver)
	f.hub = broadcast.NewHub(store, broadcast.Config{
		HeartbeatInterval:   cfg.Broadcast.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.Broadcast.MaxMissedHeartbeats,
		SubscriberBuffer:    cfg.Broadcast.SubscriberBuffer,
		ReorderWindow:       cfg.Broadcast.ReorderWindow,
		WriteTimeout:        cfg.Broadcast.WriteTimeout,
	}, logger.Named("broadcast"))

	publishers := []ledger.Publisher{f.hub}
	if deps.Producer != nil && cfg.Kafka.Enabled {
		publishers = append(publishers, events.NewKafkaEmitter(deps.Producer, cfg.Kafka.TallyTopic, deps.InstanceID))
	}
	if deps.Consumer != nil {
		f.relay = events.NewKafkaRelay(deps.Consumer, f.hub, deps.InstanceID, logger.Named("relay"))
	}

	opts := []ledger.Option{ledger.WithPublishers(publishers...)}
	if f.recorder != nil {
		opts = append(opts, ledger.WithAuditor(f.recorder))
	}
	f.ledger = ledger.New(store, f.otpManager, logger, opts...)

	logger.Info("services initialized",
		zap.String("identity_mode", cfg.Identity.Mode),
		zap.String("default_channel", string(channel)),
		zap.Int("ledger_publishers", len(publishers)),
		zap.Bool("audit_enabled", f.recorder != nil),
		zap.Bool("relay_enabled", f.relay != nil))

	return f, nil
}

// auditor keeps a nil *audit.Recorder out of the otp.Auditor interface.
func (f *ServiceFactory) auditor() otp.Auditor {
	if f.recorder == nil {
		return nil
	}
	return f.recorder
}

func (f *ServiceFactory) OTPManager() *otp.Manager { return f.otpManager }
func (f *ServiceFactory) Ledger() *ledger.Ledger { return f.ledger }
func (f *ServiceFactory) Hub() *broadcast.Hub { return f.hub }
func (f *ServiceFactory) Issuer() *token.Issuer { return f.issuer }

// Runners lists the background loops for the configured features.
func (f *ServiceFactory) Runners() []Runner {
	runners := []Runner{
		{Name: "broadcast-hub", Run: f.hub.Run},
		{Name: "otp-sweeper", Run: f.otpManager.RunSweeper},
	}
	if f.recorder != nil {
		runners = append(runners, Runner{Name: "audit-recorder", Run: f.recorder.Run})
	}
	if f.relay != nil {
		runners = append(runners, Runner{Name: "tally-relay", Run: f.relay.Run})
	}
	return runners
}

// Cleanup logs what the audit queue lost during the process lifetime.
func (f *ServiceFactory) Cleanup() {
	if f.recorder != nil {
		if n := f.recorder.Dropped(); n > 0 {
			f.logger.Warn("audit events dropped during run", zap.Int64("dropped", n))
		}
	}
}
