// Package ai streams completions from language-model providers. Each provider
// implements the same streaming interface; provider-specific request shaping
// never leaks into the pipeline.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// Provider identifiers, matching the LLMModel.Provider column.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// ErrorKind classifies provider failures so the pipeline can report them
// uniformly.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
)

// ProviderError is the single error type all clients return for provider
// failures.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// KindOf extracts the error kind, defaulting to unavailable for errors that
// did not originate in a provider client.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// errorFromStatus maps an HTTP status to a ProviderError.
func errorFromStatus(provider string, status int, body string) *ProviderError {
	kind := KindUnavailable
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 429:
		kind = KindRateLimited
	case status == 408 || status == 504:
		kind = KindTimeout
	}
	return &ProviderError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: status,
		Message:    body,
	}
}

// timeoutOrUnavailable wraps a transport error, distinguishing context expiry.
func timeoutOrUnavailable(provider string, err error) *ProviderError {
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Message: err.Error()}
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Chunk is one increment of streamed completion text. A chunk with a non-nil
// Err is terminal; the channel is closed immediately after it.
type Chunk struct {
	Text string
	Err  error
}

// CompletionClient streams text completions. Stream returns an error for
// request setup failures; failures after streaming begins arrive as the final
// Chunk's Err. The returned channel is always closed when the stream ends.
type CompletionClient interface {
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	Provider() string
}
