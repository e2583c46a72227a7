package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vote-service/internal/config"
	"vote-service/internal/util"
)

// Statements are plain CQL strings; gocql prepares and caches each one on
// first use, so they are safe to share across goroutines.
type Statements struct {
	InsertSession string
	DeleteSession string
	GetSession    string
	CASSession    string
	ListBucket    string
	ClaimActive   string
	ReplaceActive string
	GetActive     string
	ReleaseActive string
}

var statements = Statements{
	InsertSession: `
        INSERT INTO otp_sessions (
            session_bucket, session_id, identity_key, project_id, state,
            payload, revision, expires_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,

	DeleteSession: `
        DELETE FROM otp_sessions
        WHERE session_bucket = ? AND session_id = ?`,

	GetSession: `
        SELECT payload, revision FROM otp_sessions
        WHERE session_bucket = ? AND session_id = ?`,

	CASSession: `
        UPDATE otp_sessions USING TTL ?
        SET identity_key = ?, project_id = ?, state = ?, payload = ?, revision = ?,
            expires_at = ?, updated_at = ?
        WHERE session_bucket = ? AND session_id = ?
        IF revision = ?`,

	ListBucket: `
        SELECT session_id, state, expires_at FROM otp_sessions
        WHERE session_bucket = ?`,

	ClaimActive: `
        INSERT INTO otp_active (identity_key, project_id, session_id)
        VALUES (?, ?, ?) IF NOT EXISTS USING TTL ?`,

	ReplaceActive: `
        UPDATE otp_active USING TTL ?
        SET session_id = ?
        WHERE identity_key = ? AND project_id = ?
        IF session_id = ?`,

	GetActive: `
        SELECT session_id FROM otp_active
        WHERE identity_key = ? AND project_id = ?`,

	ReleaseActive: `
        DELETE FROM otp_active
        WHERE identity_key = ? AND project_id = ?
        IF session_id = ?`,
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS otp_sessions (
        session_bucket int,
        session_id text,
        identity_key text,
        project_id text,
        state text,
        payload text,
        revision bigint,
        expires_at timestamp,
        updated_at timestamp,
        PRIMARY KEY ((session_bucket), session_id)
    )`,
	`CREATE TABLE IF NOT EXISTS otp_active (
        identity_key text,
        project_id text,
        session_id text,
        PRIMARY KEY ((identity_key, project_id))
    )`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/app/certs/scylla-ca.pem",
			CertPath:               "/app/certs/scylla-client.pem",
			KeyPath:                "/app/certs/scylla-client.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: statements,
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the session tables when they are missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.String("keyspace", s.config.Keyspace))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry is for idempotent writes only. Lightweight transactions
// must not go through it.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil {
			return nil
		}
		if err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
