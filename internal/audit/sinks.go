package audit

import (
	"context"

	"go.uber.org/zap"

	"vote-service/internal/client"
	"vote-service/internal/models"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []models.AuditEvent) error {
	for _, evt := range events {
		s.logger.Info("audit",
			zap.String("event_id", evt.EventID),
			zap.String("event_type", evt.EventType),
			zap.String("identity_key", evt.IdentityKey),
			zap.String("project_id", evt.ProjectID),
			zap.String("session_id", evt.SessionID),
			zap.String("details", evt.Details),
			zap.Time("event_time", evt.EventTime))
	}
	return nil
}

const (
	createAuditTableSQL = `CREATE TABLE IF NOT EXISTS audit_events (
	event_id     String,
	event_bucket UInt32,
	event_date   Date,
	event_time   DateTime64(3, 'UTC'),
	event_type   LowCardinality(String),
	identity_key String,
	project_id   String,
	session_id   String,
	details      String
) ENGINE = MergeTree
PARTITION BY event_date
ORDER BY (event_date, event_bucket, event_time)`

	insertAuditSQL = `INSERT INTO audit_events (event_id, event_bucket, event_date, event_time, event_type, identity_key, project_id, session_id, details)`
)

type batchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink appends events to the audit_events table.
type ClickHouseSink struct {
	db batchInserter
}

func NewClickHouseSink(db batchInserter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.db.Exec(ctx, createAuditTableSQL)
}

func (s *ClickHouseSink) Write(ctx context.Context, events []models.AuditEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, evt := range events {
		rows = append(rows, []interface{}{
			evt.EventID,
			uint32(evt.EventBucket),
			evt.EventTime,
			evt.EventTime,
			evt.EventType,
			evt.IdentityKey,
			evt.ProjectID,
			evt.SessionID,
			evt.Details,
		})
	}
	return s.db.BatchInsert(ctx, insertAuditSQL, rows)
}

type bulkIndexer interface {
	BulkIndex(ctx context.Context, index string, docs []client.Document) error
}

// ElasticsearchSink makes the trail searchable by voter or project.
type ElasticsearchSink struct {
	es    bulkIndexer
	index string
}

func NewElasticsearchSink(es bulkIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.AuditEvent) error {
	docs := make([]client.Document, 0, len(events))
	for _, evt := range events {
		docs = append(docs, client.Document{ID: evt.EventID, Body: evt})
	}
	return s.es.BulkIndex(ctx, s.index, docs)
}
