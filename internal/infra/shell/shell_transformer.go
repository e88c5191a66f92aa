// internal/infra/shell/shell_transformer.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"batchpress/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCommand compresses $1 into $2.
const DefaultCommand = `gzip -c -- "$1" > "$2"`

// shellTransformer implements domain.Transformer by running an external command.
type shellTransformer struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewShellTransformer creates a transformer that runs command through sh -c.
// The input and output paths are passed as $1 and $2 and exported as INPUT and OUTPUT.
// A zero timeout lets the command run to completion.
func NewShellTransformer(command string, timeout time.Duration, logger *slog.Logger) domain.Transformer {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	return &shellTransformer{
		command: command,
		timeout: timeout,
		logger:  logger.With("transformer", "shell"),
		tracer:  otel.Tracer("batchpress-shell-transformer"),
	}
}

// Transform runs the command once for input and reports a non-zero exit as an error.
func (t *shellTransformer) Transform(ctx context.Context, input, output string) error {
	ctx, span := t.tracer.Start(ctx, "transformer.shell.Transform",
		trace.WithAttributes(
			attribute.String("file.input", input),
			attribute.String("file.output", output),
		))
	defer span.End()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", t.command, "batchpress", input, output)
	cmd.Env = append(os.Environ(), "INPUT="+input, "OUTPUT="+output)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errOutput := strings.TrimSpace(stderr.String())
		if errOutput != "" {
			span.SetAttributes(attribute.String("shell.stderr", errOutput))
			err = fmt.Errorf("%w: %s", err, errOutput)
		}
		span.SetStatus(codes.Error, "transform command failed")
		span.RecordError(err)
		t.logger.Debug("transform command failed", "input", input, "error", err)
		return fmt.Errorf("transform command failed: %w", err)
	}
	return nil
}
