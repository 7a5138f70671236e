package inference

import (
	"context"
	"errors"

	"github.com/at-ishikawa/annotate/internal/vision"
)

//go:generate mockgen -source=interface.go -destination=../mocks/inference/mock_client.go -package=mock_inference

// Client interface defines the methods for vision-language model inference
type Client interface {
	// Load makes sure the model is available before the first Generate call.
	Load(ctx context.Context) error
	Generate(ctx context.Context, params GenerateRequest) (GenerateResponse, error)
}

// GenerateRequest holds a conversation and the images its image parts refer to, in order
type GenerateRequest struct {
	Messages  []Message
	Images    []*vision.Image
	MaxTokens int
}

type GenerateResponse struct {
	// Decoded is the decoded output sequence, which may still contain chat template markers
	Decoded string
}

const (
	DefaultMaxRetryAttempts = 3
)

var ErrModelNotFound = errors.New("model not found")
