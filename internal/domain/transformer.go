package domain

import "context"

// Transformer turns one input file into one output artifact.
// A non-nil error marks the job as failed.
type Transformer interface {
	Transform(ctx context.Context, input, output string) error
}
