package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/adgen/services/providers"
)

const (
	providerName      = "openai"
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	defaultImageModel = "dall-e-3"
	defaultImageSize  = "1024x1024"
	maxErrorBody      = 4096
)

// OpenAIAdapter implements the Provider interface for OpenAI chat and image APIs
type OpenAIAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.ImageModel == "" {
		config.ImageModel = defaultImageModel
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &OpenAIAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return providerName
}

// Capabilities returns TEXT and IMAGE
func (a *OpenAIAdapter) Capabilities() []providers.Capability {
	return []providers.Capability{providers.CapabilityText, providers.CapabilityImage}
}

// IsAvailable reports whether an API key is configured
func (a *OpenAIAdapter) IsAvailable() bool {
	return a.config.APIKey != ""
}

// GenerateText asks the chat completions endpoint for ad variations
func (a *OpenAIAdapter) GenerateText(ctx context.Context, req *providers.TextRequest) (*providers.TextResponse, error) {
	if !a.IsAvailable() {
		return nil, providers.Unavailable(a.Name())
	}
	startTime := time.Now()

	chatReq := chatRequest{
		Model: a.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an expert Facebook ads copywriter."},
			{Role: "user", Content: providers.BuildAdCopyPrompt(req)},
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = &req.Temperature
	}

	var chatResp chatResponse
	if err := a.postJSON(ctx, "/chat/completions", chatReq, &chatResp); err != nil {
		return nil, err
	}

	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return nil, providers.InvalidResponse(a.Name(), "response contained no content", http.StatusOK, nil)
	}

	return &providers.TextResponse{
		Content:  chatResp.Choices[0].Message.Content,
		Model:    chatResp.Model,
		Provider: a.Name(),
		Usage: providers.Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
		Latency: time.Since(startTime),
	}, nil
}

// GenerateImage asks the images endpoint for a base64 encoded PNG
func (a *OpenAIAdapter) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	if !a.IsAvailable() {
		return nil, providers.Unavailable(a.Name())
	}
	startTime := time.Now()

	size := req.Size
	if size == "" {
		size = defaultImageSize
	}
	imgReq := imageRequest{
		Model:          a.config.ImageModel,
		Prompt:         req.Prompt,
		N:              1,
		Size:           size,
		ResponseFormat: "b64_json",
	}

	var imgResp imageResponse
	if err := a.postJSON(ctx, "/images/generations", imgReq, &imgResp); err != nil {
		return nil, err
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].B64JSON == "" {
		return nil, providers.InvalidResponse(a.Name(), "response contained no image", http.StatusOK, nil)
	}

	data, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return nil, providers.InvalidResponse(a.Name(), "image payload is not valid base64", http.StatusOK, err)
	}

	return &providers.ImageResponse{
		Data:        data,
		ContentType: "image/png",
		Model:       a.config.ImageModel,
		Provider:    a.Name(),
		Latency:     time.Since(startTime),
	}, nil
}

// postJSON performs one request; retries are the caller's concern
func (a *OpenAIAdapter) postJSON(ctx context.Context, path string, body, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return providers.NewProviderError(a.Name(), providers.CodeBadRequest, "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return providers.NewProviderError(a.Name(), providers.CodeBadRequest, "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.ClassifyTransportError(a.Name(), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return providers.ClassifyTransportError(a.Name(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return providers.InvalidResponse(a.Name(), "failed to unmarshal response", httpResp.StatusCode, err)
	}
	return nil
}

// handleErrorResponse handles OpenAI error responses
func (a *OpenAIAdapter) handleErrorResponse(statusCode int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	var errResp errorResponse
	message := ""
	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Error.Message
	}
	return providers.ClassifyStatus(a.Name(), statusCode, message, string(body))
}

// OpenAI-specific request/response types

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
