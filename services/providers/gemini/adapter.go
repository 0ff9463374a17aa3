package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/upb/adgen/services/providers"
)

const (
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
	maxErrorBody   = 4096
)

// Gemini API request/response types (unexported).

type generateRequest struct {
	Contents         []content  `json:"contents"`
	GenerationConfig *genConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type genConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate `json:"candidates"`
	UsageMetadata *usage      `json:"usageMetadata,omitempty"`
	ModelVersion  string      `json:"modelVersion,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Adapter implements providers.Provider for Google's Gemini REST API.
// Only text generation is offered.
type Adapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
}

// NewAdapter creates a Gemini adapter.
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
	return &Adapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{providers.CapabilityText}
}

func (a *Adapter) IsAvailable() bool { return a.config.APIKey != "" }

// GenerateText calls models/{model}:generateContent with a single user turn.
func (a *Adapter) GenerateText(ctx context.Context, req *providers.TextRequest) (*providers.TextResponse, error) {
	if !a.IsAvailable() {
		return nil, providers.Unavailable(providerName)
	}
	start := time.Now()

	body := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: providers.BuildAdCopyPrompt(req)}},
		}},
		GenerationConfig: &genConfig{
			Temperature:      req.Temperature,
			MaxOutputTokens:  req.MaxTokens,
			ResponseMimeType: "application/json",
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeBadRequest, "marshal request", 0, false, err)
	}

	// keep the key out of the URL, transport errors quote it
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.config.BaseURL, url.PathEscape(a.config.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeBadRequest, "create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("x-goog-api-key", a.config.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(providerName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.ClassifyTransportError(providerName, err)
	}

	if resp.StatusCode != http.StatusOK {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		var errResp errorResponse
		_ = json.Unmarshal(respBody, &errResp)
		// Gemini reports exhausted quota as 429 RESOURCE_EXHAUSTED with a quota message
		return nil, providers.ClassifyStatus(providerName, resp.StatusCode, errResp.Error.Message, string(respBody))
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, providers.InvalidResponse(providerName, "parse gemini response", resp.StatusCode, err)
	}

	text := ""
	if len(genResp.Candidates) > 0 {
		var sb strings.Builder
		for _, p := range genResp.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		text = sb.String()
	}
	if strings.TrimSpace(text) == "" {
		return nil, providers.InvalidResponse(providerName, "response contained no content", resp.StatusCode, nil)
	}

	out := &providers.TextResponse{
		Content:  text,
		Model:    a.config.Model,
		Provider: providerName,
		Latency:  time.Since(start),
	}
	if genResp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     genResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: genResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      genResp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// GenerateImage is not offered by this adapter.
func (a *Adapter) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	return nil, providers.Unsupported(providerName, providers.CapabilityImage)
}
