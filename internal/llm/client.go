// Package llm talks to OpenAI-compatible chat completion endpoints and
// decodes their event streams.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/chatrelay/internal/provider"
)

var (
	// ErrConnection wraps transport failures reaching the provider.
	ErrConnection = errors.New("upstream connection failed")

	// ErrMissingCredentials marks calls attempted against a provider with no
	// base URL or API key configured.
	ErrMissingCredentials = errors.New("provider credentials not configured")
)

// UpstreamError is a non-2xx response from the provider.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StreamClient opens a streaming chat completion. The returned body is the raw
// event stream and must be closed by the caller.
type StreamClient interface {
	Stream(ctx context.Context, ep provider.Endpoint, req openai.ChatCompletionRequest) (io.ReadCloser, error)
}
