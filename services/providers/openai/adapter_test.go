package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/upb/adgen/services/providers"
)

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key"})

	if adapter == nil {
		t.Fatal("NewOpenAIAdapter() returned nil")
	}
	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}
	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}
	if adapter.config.Model != defaultModel || adapter.config.ImageModel != defaultImageModel {
		t.Errorf("unexpected model defaults: %s / %s", adapter.config.Model, adapter.config.ImageModel)
	}
	if len(adapter.Capabilities()) != 2 {
		t.Errorf("Capabilities() = %v", adapter.Capabilities())
	}
}

func TestOpenAIAdapter_IsAvailable(t *testing.T) {
	if NewOpenAIAdapter(providers.ProviderConfig{}).IsAvailable() {
		t.Error("adapter without API key should be unavailable")
	}
	if !NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k"}).IsAvailable() {
		t.Error("adapter with API key should be available")
	}
}

func TestOpenAIAdapter_GenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}

		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "running shoes") {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		resp := chatResponse{
			ID:    "chatcmpl-test123",
			Model: req.Model,
			Choices: []chatChoice{{
				Message:      chatMessage{Role: "assistant", Content: `[{"headline":"Run","primary_text":"Fast"}]`},
				FinishReason: "stop",
			}},
			Usage: chatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key", BaseURL: server.URL + "/"})

	resp, err := adapter.GenerateText(context.Background(), &providers.TextRequest{
		Prompt:         "running shoes",
		VariationCount: 1,
	})
	if err != nil {
		t.Fatalf("GenerateText() error = %v", err)
	}
	if resp.Provider != "openai" || resp.Model != defaultModel {
		t.Errorf("unexpected attribution: %+v", resp)
	}
	if resp.Usage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", resp.Usage.TotalTokens)
	}
	if !strings.Contains(resp.Content, "Run") {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestOpenAIAdapter_GenerateText_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		retryable bool
	}{
		{"auth", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, providers.CodeAuth, false},
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, providers.CodeRateLimited, true},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","code":"insufficient_quota"}}`, providers.CodeQuotaExceeded, false},
		{"server", http.StatusBadGateway, `upstream down`, providers.CodeNetwork, true},
		{"empty choices", http.StatusOK, `{"choices":[]}`, providers.CodeInvalidResponse, false},
		{"not json", http.StatusOK, `<html>`, providers.CodeInvalidResponse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: server.URL})
			_, err := adapter.GenerateText(context.Background(), &providers.TextRequest{Prompt: "x", VariationCount: 1})

			var pErr *providers.ProviderError
			if !errors.As(err, &pErr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pErr.Code != tt.wantCode || pErr.Retryable != tt.retryable {
				t.Errorf("got %s/%v, want %s/%v", pErr.Code, pErr.Retryable, tt.wantCode, tt.retryable)
			}
		})
	}
}

func TestOpenAIAdapter_GenerateText_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := adapter.GenerateText(ctx, &providers.TextRequest{Prompt: "x", VariationCount: 1})
	if providers.ErrorCode(err) != providers.CodeTimeout {
		t.Errorf("ErrorCode() = %s, want TIMEOUT (%v)", providers.ErrorCode(err), err)
	}
	if !providers.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestOpenAIAdapter_Unavailable(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{})

	_, err := adapter.GenerateText(context.Background(), &providers.TextRequest{Prompt: "x", VariationCount: 1})
	if providers.ErrorCode(err) != providers.CodeUnavailable {
		t.Errorf("ErrorCode() = %s, want UNAVAILABLE", providers.ErrorCode(err))
	}
}

func TestOpenAIAdapter_GenerateImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("Expected path /images/generations, got %s", r.URL.Path)
		}
		var req imageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat != "b64_json" || req.Size != defaultImageSize || req.N != 1 {
			t.Errorf("unexpected image request: %+v", req)
		}
		w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(png) + `"}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: server.URL})

	resp, err := adapter.GenerateImage(context.Background(), &providers.ImageRequest{Prompt: "a red shoe"})
	if err != nil {
		t.Fatalf("GenerateImage() error = %v", err)
	}
	if string(resp.Data) != string(png) {
		t.Errorf("Data = %v", resp.Data)
	}
	if resp.ContentType != "image/png" {
		t.Errorf("ContentType = %s", resp.ContentType)
	}
}

func TestOpenAIAdapter_GenerateImage_BadPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"b64_json":"%%%"}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "k", BaseURL: server.URL})

	_, err := adapter.GenerateImage(context.Background(), &providers.ImageRequest{Prompt: "x"})
	if providers.ErrorCode(err) != providers.CodeInvalidResponse {
		t.Errorf("ErrorCode() = %s, want INVALID_RESPONSE", providers.ErrorCode(err))
	}
}
