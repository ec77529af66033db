package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	embeddingProviderAPI    = "api"
	embeddingProviderOllama = "ollama"

	defaultOllamaEmbeddingBaseURL = "http://127.0.0.1:11434"
	defaultEmbeddingTimeout       = 15 * time.Second
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderOptions configures the HTTP embedding client.
type EmbedderOptions struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	ExpectedDim int
	TimeoutMs   int
}

type embedderClient struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewEmbedder(opts EmbedderOptions) Embedder {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = embeddingProviderAPI
	}
	timeout := defaultEmbeddingTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if provider == embeddingProviderOllama && baseURL == "" {
		baseURL = defaultOllamaEmbeddingBaseURL
	}
	return &embedderClient{
		provider:    provider,
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(opts.APIKey),
		model:       strings.TrimSpace(opts.Model),
		expectedDim: opts.ExpectedDim,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *embedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	if c.model == "" {
		return nil, fmt.Errorf("embed: missing embedding model")
	}

	baseURL, err := c.resolveBaseURL()
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: trimmed})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(decoded.Data) != 1 {
		return nil, fmt.Errorf("embed: response count mismatch: got %d want 1", len(decoded.Data))
	}
	vector := decoded.Data[0].Embedding
	if len(vector) == 0 {
		return nil, fmt.Errorf("embed: empty embedding vector")
	}
	if c.expectedDim > 0 && len(vector) != c.expectedDim {
		return nil, fmt.Errorf("embed: dimension mismatch: got %d want %d", len(vector), c.expectedDim)
	}

	copied := make([]float32, len(vector))
	copy(copied, vector)
	return copied, nil
}

func (c *embedderClient) resolveBaseURL() (string, error) {
	switch c.provider {
	case embeddingProviderAPI:
		if c.baseURL == "" {
			return "", fmt.Errorf("missing embedding base url")
		}
		if c.apiKey == "" {
			return "", fmt.Errorf("missing embedding api key")
		}
		return c.baseURL, nil
	case embeddingProviderOllama:
		if c.baseURL == "" {
			return defaultOllamaEmbeddingBaseURL, nil
		}
		return c.baseURL, nil
	default:
		return "", fmt.Errorf("unsupported embedding provider: %s", c.provider)
	}
}
