package anthropic

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/upb/adgen/services/providers"
)

const (
	providerName     = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-haiku-latest"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Adapter talks to the Anthropic messages API. Text only.
type Adapter struct {
	config providers.ProviderConfig
	http   *resty.Client
}

func NewAdapter(config providers.ProviderConfig) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	c := resty.New().
		SetTimeout(config.Timeout).
		SetHeader("anthropic-version", apiVersion).
		SetHeader("Content-Type", "application/json")
	for k, v := range config.Headers {
		c.SetHeader(k, v)
	}
	return &Adapter{config: config, http: c}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{providers.CapabilityText}
}

func (a *Adapter) IsAvailable() bool { return a.config.APIKey != "" }

func (a *Adapter) GenerateText(ctx context.Context, req *providers.TextRequest) (*providers.TextResponse, error) {
	if !a.IsAvailable() {
		return nil, providers.Unavailable(providerName)
	}
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := messagesRequest{
		Model:       a.config.Model,
		MaxTokens:   maxTokens,
		System:      "You are an expert Facebook ads copywriter. Reply with JSON only.",
		Messages:    []message{{Role: "user", Content: providers.BuildAdCopyPrompt(req)}},
		Temperature: req.Temperature,
	}

	var resp messagesResponse
	var apiErr errorResponse
	rr, err := a.http.R().SetContext(ctx).
		SetHeader("x-api-key", a.config.APIKey).
		SetBody(body).
		SetResult(&resp).
		SetError(&apiErr).
		Post(a.config.BaseURL + "/v1/messages")
	if err != nil {
		// a response with a status means the body failed to decode
		if rr != nil && rr.RawResponse != nil && ctx.Err() == nil {
			return nil, providers.InvalidResponse(providerName, "decode messages response", rr.StatusCode(), err)
		}
		return nil, providers.ClassifyTransportError(providerName, err)
	}
	if rr.IsError() {
		return nil, providers.ClassifyStatus(providerName, rr.StatusCode(), apiErr.Error.Message, rr.String())
	}
	if rr.StatusCode() != http.StatusOK {
		return nil, providers.InvalidResponse(providerName, "unexpected status "+rr.Status(), rr.StatusCode(), nil)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, providers.InvalidResponse(providerName, "response contained no text", rr.StatusCode(), nil)
	}

	model := resp.Model
	if model == "" {
		model = a.config.Model
	}
	return &providers.TextResponse{
		Content:  text,
		Model:    model,
		Provider: providerName,
		Usage: providers.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

func (a *Adapter) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	return nil, providers.Unsupported(providerName, providers.CapabilityImage)
}
