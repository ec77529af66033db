package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newEmbeddingServer(t *testing.T, vector []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": vector},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedderHappyPath(t *testing.T) {
	server := newEmbeddingServer(t, []float32{0.1, 0.2, 0.3})
	defer server.Close()

	e := NewEmbedder(EmbedderOptions{
		Provider: "api",
		BaseURL:  server.URL,
		APIKey:   "k",
		Model:    "embed-model",
	})

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(vec))
	}
}

func TestEmbedderDimensionMismatch(t *testing.T) {
	server := newEmbeddingServer(t, []float32{0.1, 0.2})
	defer server.Close()

	e := NewEmbedder(EmbedderOptions{
		Provider:    "api",
		BaseURL:     server.URL,
		APIKey:      "k",
		Model:       "embed-model",
		ExpectedDim: 3,
	})

	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbedderValidation(t *testing.T) {
	e := NewEmbedder(EmbedderOptions{Provider: "api", BaseURL: "http://x", APIKey: "k", Model: "m"})

	if _, err := e.Embed(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty text")
	}

	noKey := NewEmbedder(EmbedderOptions{Provider: "api", BaseURL: "http://x", Model: "m"})
	if _, err := noKey.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for missing api key")
	}

	badProvider := NewEmbedder(EmbedderOptions{Provider: "carrier-pigeon", Model: "m"})
	if _, err := badProvider.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestEmbedderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e := NewEmbedder(EmbedderOptions{Provider: "api", BaseURL: server.URL, APIKey: "k", Model: "m"})
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on server failure")
	}
}
