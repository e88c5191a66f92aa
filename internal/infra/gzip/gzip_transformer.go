// Package gzip compresses files in-process, without spawning an external command.
package gzip

import (
	"context"
	"fmt"
	"io"
	"os"

	"batchpress/internal/domain"

	kgzip "github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type gzipTransformer struct {
	level  int
	tracer trace.Tracer
}

// NewGzipTransformer returns a transformer writing gzip output at level.
func NewGzipTransformer(level int) (domain.Transformer, error) {
	if level < kgzip.DefaultCompression || level > kgzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip level %d", level)
	}
	return &gzipTransformer{
		level:  level,
		tracer: otel.Tracer("batchpress-gzip-transformer"),
	}, nil
}

func (t *gzipTransformer) Transform(ctx context.Context, input, output string) (err error) {
	_, span := t.tracer.Start(ctx, "transformer.gzip.Transform",
		trace.WithAttributes(attribute.String("file.input", input)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "gzip failed")
		}
		span.End()
	}()

	src, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	zw, err := kgzip.NewWriterLevel(dst, t.level)
	if err != nil {
		_ = dst.Close()
		return err
	}
	if info, statErr := src.Stat(); statErr == nil {
		zw.Name = info.Name()
		zw.ModTime = info.ModTime()
	}

	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		_ = os.Remove(output)
		return fmt.Errorf("compress %s: %w", input, err)
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(output)
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	return dst.Close()
}
