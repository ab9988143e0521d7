// Package embedding turns query text into vectors for the similarity layers.
// The model itself is an external collaborator reached through Provider.
package embedding

import (
	"context"
	"errors"
)

var (
	ErrEmptyInput     = errors.New("empty input text")
	ErrRateLimited    = errors.New("rate limited by embedding provider")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrModelNotFound  = errors.New("embedding model not found")
	ErrContextTooLong = errors.New("input text exceeds model context length")
)

// Provider turns text into vectors. Implementations are safe for
// concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector size, or 0 when the provider does not know it
	// in advance.
	Dimension() int

	ModelName() string
}
