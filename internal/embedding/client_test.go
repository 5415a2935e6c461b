package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientEmbedAssemblesVectorsByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload.Model != "text-embedding-ada-002" || len(payload.Input) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Second input first, to exercise index-based placement.
		_, _ = w.Write([]byte(`{
			"model":"text-embedding-ada-002",
			"data":[
				{"index":1,"embedding":[0.5,0.6]},
				{"index":0,"embedding":[0.1,0.2]}
			],
			"usage":{"prompt_tokens":12,"total_tokens":12}
		}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Dimensions: 2,
		Timeout:    2 * time.Second,
	})

	result, err := client.Embed(context.Background(), []string{"first text", "second text"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if len(result.Vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(result.Vectors))
	}
	if result.Vectors[0][0] != 0.1 || result.Vectors[1][0] != 0.5 {
		t.Fatalf("vectors not placed by index: %v", result.Vectors)
	}
	if result.Usage.TotalTokens != 12 {
		t.Fatalf("expected total tokens 12, got %d", result.Usage.TotalTokens)
	}
}

func TestClientEmbedRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"model":"text-embedding-ada-002",
			"data":[{"index":0,"embedding":[1,2]}],
			"usage":{"prompt_tokens":3,"total_tokens":3}
		}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Dimensions: 2,
		MaxRetries: 2,
		Timeout:    2 * time.Second,
	})

	result, err := client.Embed(context.Background(), []string{"text"})
	if err != nil {
		t.Fatalf("expected success after retry, got err=%v", err)
	}
	if len(result.Vectors) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(result.Vectors))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestClientEmbedDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid input"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		MaxRetries: 3,
		Timeout:    2 * time.Second,
	})

	_, err := client.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var httpErr *embeddingHTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected http 400 error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call for client error, got %d", got)
	}
}

func TestClientEmbedUnavailableWithoutKey(t *testing.T) {
	client := NewClient(ClientConfig{})
	if client.Available() {
		t.Fatalf("client without key must not report available")
	}
	_, err := client.Embed(context.Background(), []string{"text"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClientEmbedRejectsEmptyInput(t *testing.T) {
	client := NewClient(ClientConfig{APIKey: "test-key"})
	_, err := client.Embed(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "texts are required") {
		t.Fatalf("expected input validation error, got %v", err)
	}
}

func TestClientEmbedRejectsDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"model":"text-embedding-ada-002",
			"data":[{"index":0,"embedding":[1,2,3]}],
			"usage":{"prompt_tokens":3,"total_tokens":3}
		}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Dimensions: 2,
		Timeout:    2 * time.Second,
	})

	_, err := client.Embed(context.Background(), []string{"text"})
	if err == nil || !strings.Contains(err.Error(), "dimensions") {
		t.Fatalf("expected dimension mismatch error, got %v", err)
	}
}

func TestClientEmbedRejectsMissingVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"model":"text-embedding-ada-002",
			"data":[{"index":0,"embedding":[1,2]}],
			"usage":{"prompt_tokens":3,"total_tokens":3}
		}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Dimensions: 2,
		Timeout:    2 * time.Second,
	})

	_, err := client.Embed(context.Background(), []string{"one", "two"})
	if err == nil || !strings.Contains(err.Error(), "missing vector") {
		t.Fatalf("expected missing vector error, got %v", err)
	}
}
