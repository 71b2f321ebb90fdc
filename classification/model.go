package classification

import (
	"context"
	"fmt"
)

// Model runs one forward pass over a single (1, H, W, C) input and returns the
// probability vector of batch row 0. Implementations must be safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

// Unavailable stands in for a model that failed to load.
type Unavailable struct {
	Reason error
}

func (u Unavailable) Err() error {
	if u.Reason == nil {
		return ErrModelNotLoaded
	}
	return fmt.Errorf("%w: %w", ErrModelNotLoaded, u.Reason)
}

func (u Unavailable) Predict(context.Context, []float32) ([]float32, error) {
	return nil, u.Err()
}
