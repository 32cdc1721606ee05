// Package embedding turns text into fixed-dimension vectors. Providers are
// opaque behind the Provider interface; the service enforces a single
// embedding dimension per deployment at this boundary.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a provider produces a vector whose
// dimension differs from the one the deployment was configured with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider is the capability seam for embedding models.
type Provider interface {
	// Embed derives a vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// BatchEmbed derives vectors for each input, preserving order.
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the fixed vector dimension, probing the model on
	// first use.
	Dimensions(ctx context.Context) (int, error)
	// ModelID identifies the underlying model.
	ModelID() string
}

// checkDimension enforces the fixed-dimension invariant.
func checkDimension(expected int, vec []float32) error {
	if expected > 0 && len(vec) != expected {
		return fmt.Errorf("%w: model produced %d dimensions, expected %d",
			ErrDimensionMismatch, len(vec), expected)
	}
	return nil
}

// IsRetryable reports whether an embedding error is worth retrying.
// Dimension mismatches are configuration problems and never retryable.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrDimensionMismatch)
}
