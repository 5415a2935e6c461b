package vectorindex

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

	"github.com/google/uuid"
)

const payloadRecordIDKey = "_record_id"

// Qdrant point IDs must be UUIDs or integers, so record IDs are hashed into
// a stable UUID namespace and the original ID is kept in the payload.
var pointNamespace = uuid.MustParse("7b1f6a52-9c2e-4d3a-8f50-2d41c0a6b7e9")

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Qdrant talks to a Qdrant instance over its REST API.
type Qdrant struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	httpClient *http.Client
}

func NewQdrant(config QdrantConfig) *Qdrant {
	if strings.TrimSpace(config.Collection) == "" {
		config.Collection = "filing_chunks"
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 1536
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &Qdrant{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.URL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		collection: config.Collection,
		dimensions: config.Dimensions,
		httpClient: config.HTTPClient,
	}
}

// Init ensures the collection exists with the expected vector size and
// cosine distance. Existing collections are left untouched.
func (q *Qdrant) Init(ctx context.Context) error {
	err := q.doJSON(ctx, http.MethodGet, q.collectionPath(""), nil, nil)
	if err == nil {
		return nil
	}
	var apiErr *qdrantAPIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		return err
	}

	create := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimensions,
			"distance": "Cosine",
		},
	}
	if err := q.doJSON(ctx, http.MethodPut, q.collectionPath(""), create, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]map[string]any, 0, len(records))
	for _, record := range records {
		id := strings.TrimSpace(record.ID)
		if id == "" {
			return errors.New("record id is required")
		}
		if len(record.Vector) != q.dimensions {
			return fmt.Errorf("record %q has %d dimensions, expected %d", id, len(record.Vector), q.dimensions)
		}
		payload := clonePayload(record.Payload)
		if payload == nil {
			payload = map[string]any{}
		}
		payload[payloadRecordIDKey] = id
		points = append(points, map[string]any{
			"id":      uuid.NewSHA1(pointNamespace, []byte(id)).String(),
			"vector":  record.Vector,
			"payload": payload,
		})
	}

	request := map[string]any{"points": points}
	if err := q.doJSON(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), request, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

type qdrantScoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if len(vector) != q.dimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, expected %d", len(vector), q.dimensions)
	}
	if limit <= 0 {
		limit = 10
	}

	request := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if conditions := qdrantFilter(filter); conditions != nil {
		request["filter"] = conditions
	}

	var scored []qdrantScoredPoint
	if err := q.doJSON(ctx, http.MethodPost, q.collectionPath("/points/search"), request, &scored); err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, point := range scored {
		matches = append(matches, Match{
			ID:      recordIDFromPoint(point),
			Score:   point.Score,
			Payload: point.Payload,
		})
	}
	return matches, nil
}

func (q *Qdrant) Count(ctx context.Context, filter Filter) (int, error) {
	request := map[string]any{"exact": true}
	if conditions := qdrantFilter(filter); conditions != nil {
		request["filter"] = conditions
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := q.doJSON(ctx, http.MethodPost, q.collectionPath("/points/count"), request, &result); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return result.Count, nil
}

func (q *Qdrant) Ping(ctx context.Context) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/readyz", nil)
	if err != nil {
		return fmt.Errorf("create qdrant ready request: %w", err)
	}
	q.setHeaders(httpRequest)

	httpResponse, err := q.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("qdrant ready check: %w", err)
	}
	defer httpResponse.Body.Close()
	_, _ = io.Copy(io.Discard, httpResponse.Body)

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return fmt.Errorf("qdrant not ready: status %d", httpResponse.StatusCode)
	}
	return nil
}

func qdrantFilter(filter Filter) map[string]any {
	if filter.empty() {
		return nil
	}
	must := make([]any, 0, 2)
	if filter.Ticker != "" {
		must = append(must, map[string]any{
			"key":   PayloadTicker,
			"match": map[string]any{"value": filter.Ticker},
		})
	}
	if filter.Year != 0 {
		must = append(must, map[string]any{
			"key":   PayloadYear,
			"match": map[string]any{"value": filter.Year},
		})
	}
	return map[string]any{"must": must}
}

func recordIDFromPoint(point qdrantScoredPoint) string {
	if id, ok := point.Payload[payloadRecordIDKey].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	var raw string
	if err := json.Unmarshal(point.ID, &raw); err == nil {
		return raw
	}
	return strings.TrimSpace(string(point.ID))
}

// qdrantEnvelope is the constant response wrapper of the Qdrant REST API.
type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

func (q *Qdrant) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode qdrant request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create qdrant request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	q.setHeaders(httpRequest)

	httpResponse, err := q.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("qdrant transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("read qdrant body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > 700 {
			message = message[:700]
		}
		return &qdrantAPIError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode qdrant envelope: %w", err)
	}
	if status := envelopeStatusError(envelope.Status); status != "" {
		return &qdrantAPIError{StatusCode: httpResponse.StatusCode, Message: status}
	}

	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode qdrant result: %w", err)
	}
	return nil
}

func (q *Qdrant) setHeaders(httpRequest *http.Request) {
	if q.apiKey != "" {
		httpRequest.Header.Set("api-key", q.apiKey)
	}
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + q.collection + suffix
}

func envelopeStatusError(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if strings.EqualFold(asString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status %q", asString)
	}
	var asObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil && strings.TrimSpace(asObject.Error) != "" {
		return strings.TrimSpace(asObject.Error)
	}
	return "qdrant status " + status
}

type qdrantAPIError struct {
	StatusCode int
	Message    string
}

func (e *qdrantAPIError) Error() string {
	return fmt.Sprintf("qdrant status %d: %s", e.StatusCode, e.Message)
}
