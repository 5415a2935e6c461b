package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("embedding client unavailable")

type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// Result carries one vector per input text, in input order.
type Result struct {
	Vectors [][]float32
	ModelID string
	Usage   Usage
}

// Embedder turns a batch of texts into fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (Result, error)
	Available() bool
}

type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "text-embedding-ada-002"
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 1536
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		model:      config.Model,
		dimensions: config.Dimensions,
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

func (c *Client) Available() bool {
	return c.apiKey != ""
}

// Dimensions reports the vector size the client validates responses against.
func (c *Client) Dimensions() int {
	return c.dimensions
}

func (c *Client) Embed(ctx context.Context, texts []string) (Result, error) {
	if !c.Available() {
		return Result{}, ErrUnavailable
	}
	if len(texts) == 0 {
		return Result{}, errors.New("texts are required")
	}

	payload := map[string]any{
		"model": c.model,
		"input": texts,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal embeddings payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, callErr := c.callEmbeddingsAPI(ctx, encoded, len(texts))
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		if !isRetryableError(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown embeddings error")
	}
	return Result{}, lastErr
}

type embeddingsAPIResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) callEmbeddingsAPI(ctx context.Context, payload []byte, expected int) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create embeddings request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("embeddings timeout: %w", err)
		}
		return Result{}, fmt.Errorf("embeddings transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read embeddings body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return Result{}, &embeddingHTTPError{
			StatusCode: httpResponse.StatusCode,
			Message:    message,
		}
	}

	var raw embeddingsAPIResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, fmt.Errorf("decode embeddings response: %w", err)
	}

	// Responses may arrive out of input order; place each vector by index.
	vectors := make([][]float32, expected)
	for _, item := range raw.Data {
		if item.Index < 0 || item.Index >= expected {
			return Result{}, fmt.Errorf("embeddings response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, vector := range vectors {
		if vector == nil {
			return Result{}, fmt.Errorf("embeddings response missing vector for input %d", i)
		}
		if len(vector) != c.dimensions {
			return Result{}, fmt.Errorf("embeddings vector %d has %d dimensions, expected %d",
				i, len(vector), c.dimensions)
		}
	}

	model := strings.TrimSpace(raw.Model)
	if model == "" {
		model = c.model
	}
	return Result{
		Vectors: vectors,
		ModelID: model,
		Usage: Usage{
			PromptTokens: raw.Usage.PromptTokens,
			TotalTokens:  raw.Usage.TotalTokens,
		},
	}, nil
}

type embeddingHTTPError struct {
	StatusCode int
	Message    string
}

func (e *embeddingHTTPError) Error() string {
	return fmt.Sprintf("embeddings status %d: %s", e.StatusCode, e.Message)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *embeddingHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") || strings.Contains(message, "tempor") {
		return true
	}
	return false
}
