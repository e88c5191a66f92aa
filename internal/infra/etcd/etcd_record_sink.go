// internal/infra/etcd/etcd_record_sink.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"batchpress/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPrefix = "/batchpress"
	historyDir    = "history"
)

type etcdRecordSink struct {
	kv     clientv3.KV
	closer func() error
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdRecordSink creates a job record sink backed by etcd.
// closer, if not nil, runs on Close (typically the client's Close).
func NewEtcdRecordSink(kv clientv3.KV, prefix string, closer func() error, logger *slog.Logger) domain.JobRecordSink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &etcdRecordSink{
		kv:     kv,
		closer: closer,
		prefix: prefix,
		logger: logger.With("component", "etcd-record-sink"),
		tracer: otel.Tracer("batchpress-etcd-record-sink"),
	}
}

// RecordKey is /{prefix}/history/{runID}/{recordID}.
func RecordKey(prefix string, record *domain.JobRecord) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return path.Join(prefix, historyDir, record.RunID, record.ID)
}

// Record persists a single job record to etcd.
func (s *etcdRecordSink) Record(ctx context.Context, record *domain.JobRecord) error {
	ctx, span := s.tracer.Start(ctx, "sink.etcd.Record")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid job record")
		return err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal job record")
		return fmt.Errorf("failed to marshal job record %s to JSON: %w", record.ID, err)
	}

	key := RecordKey(s.prefix, record)
	span.SetAttributes(
		attribute.String("record.id", record.ID),
		attribute.String("record.filename", record.Filename),
		attribute.String("etcd.key", key),
	)

	if _, err := s.kv.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job record to etcd")
		return fmt.Errorf("failed to save job record %s to etcd: %w", record.ID, err)
	}
	s.logger.Debug("job record saved", "key", key)
	return nil
}

func (s *etcdRecordSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
