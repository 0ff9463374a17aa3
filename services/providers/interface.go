package providers

import (
	"context"
	"errors"
	"time"
)

// Capability is a kind of generation a provider can perform
type Capability string

const (
	CapabilityText  Capability = "TEXT"
	CapabilityImage Capability = "IMAGE"
)

// Provider represents a unified AI generation backend
type Provider interface {
	// Name returns the provider name (e.g., "openai", "gemini", "anthropic")
	Name() string

	// Capabilities returns what the provider can generate
	Capabilities() []Capability

	// IsAvailable reports whether credentials are configured.
	// It must not perform network I/O.
	IsAvailable() bool

	// GenerateText produces raw ad copy content for req
	GenerateText(ctx context.Context, req *TextRequest) (*TextResponse, error)

	// GenerateImage produces image bytes for req
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// HasCapability reports whether p advertises c
func HasCapability(p Provider, c Capability) bool {
	for _, have := range p.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// TextRequest is the adapter-level ad copy request
type TextRequest struct {
	Prompt         string
	VariationCount int
	Language       string
	CallToAction   string
	AdLinks        []string

	// MaxTokens limits the response length
	MaxTokens int

	// Temperature controls randomness
	Temperature float64
}

// TextResponse carries the raw model output; parsing happens in ParseVariations
type TextResponse struct {
	Content  string
	Model    string
	Provider string
	Usage    Usage
	Latency  time.Duration
}

// ImageRequest is the adapter-level image request
type ImageRequest struct {
	Prompt string
	Size   string
}

// ImageResponse carries generated image bytes
type ImageResponse struct {
	Data        []byte
	ContentType string
	Model       string
	Provider    string
	Latency     time.Duration
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Descriptor is the immutable identity of a registered provider
type Descriptor struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	Available    bool         `json:"available"`
}

// Describe builds the descriptor for p
func Describe(p Provider) Descriptor {
	return Descriptor{
		Name:         p.Name(),
		Capabilities: append([]Capability(nil), p.Capabilities()...),
		Available:    p.IsAvailable(),
	}
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication; empty means the provider is unavailable
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Model for text generation
	Model string

	// ImageModel for image generation (when supported)
	ImageModel string

	// Timeout is the hard per-call timeout
	Timeout time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 30 * time.Second,
		Headers: make(map[string]string),
	}
}

// Error codes shared by all adapters
const (
	CodeAuth            = "AUTH_ERROR"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTimeout         = "TIMEOUT"
	CodeNetwork         = "NETWORK"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeUnsupported     = "UNSUPPORTED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeBadRequest      = "BAD_REQUEST"
)

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is one of the Code* constants
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Code + ": " + e.Message
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// ErrorCode returns the provider error code of err, or "" when err is not a ProviderError
func ErrorCode(err error) string {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Code
	}
	return ""
}
