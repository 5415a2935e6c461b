package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

func writeQdrantResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func newTestQdrant(serverURL string) *Qdrant {
	return NewQdrant(QdrantConfig{
		URL:        serverURL,
		Collection: "filing_chunks",
		Dimensions: 3,
	})
}

func TestQdrantUpsertHashesPointIDs(t *testing.T) {
	var body struct {
		Points []struct {
			ID      string         `json:"id"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.URL.Path != "/collections/filing_chunks/points" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("expected wait=true, got %q", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode upsert body: %v", err)
		}
		writeQdrantResult(w, map[string]any{"operation_id": 1, "status": "completed"})
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	record := Record{
		ID:     "AAPL_2023_0",
		Vector: []float32{1, 0, 0},
		Payload: map[string]any{
			PayloadTicker: "AAPL",
			PayloadYear:   2023,
		},
	}
	if err := index.Upsert(context.Background(), []Record{record}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if len(body.Points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(body.Points))
	}
	point := body.Points[0]
	if _, err := uuid.Parse(point.ID); err != nil {
		t.Fatalf("point id %q is not a UUID: %v", point.ID, err)
	}
	want := uuid.NewSHA1(pointNamespace, []byte("AAPL_2023_0")).String()
	if point.ID != want {
		t.Fatalf("point id not deterministic: got %s, want %s", point.ID, want)
	}
	if point.Payload[payloadRecordIDKey] != "AAPL_2023_0" {
		t.Fatalf("payload is missing the record id, got %v", point.Payload[payloadRecordIDKey])
	}
	if point.Payload[PayloadTicker] != "AAPL" {
		t.Fatalf("payload lost the ticker, got %v", point.Payload[PayloadTicker])
	}
}

func TestQdrantUpsertRejectsDimensionMismatch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeQdrantResult(w, nil)
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	err := index.Upsert(context.Background(), []Record{{ID: "AAPL_2023_0", Vector: []float32{1, 0}}})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request for invalid record, got %d", atomic.LoadInt32(&calls))
	}
}

func TestQdrantSearchBuildsFilterAndResolvesIDs(t *testing.T) {
	var request map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/filing_chunks/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode search body: %v", err)
		}
		writeQdrantResult(w, []map[string]any{
			{
				"id":    uuid.NewSHA1(pointNamespace, []byte("AAPL_2023_4")).String(),
				"score": 0.91,
				"payload": map[string]any{
					payloadRecordIDKey: "AAPL_2023_4",
					PayloadTicker:      "AAPL",
					PayloadYear:        2023,
					PayloadContent:     "risk factors",
				},
			},
		})
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	matches, err := index.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{Ticker: "AAPL", Year: 2023})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if request["with_payload"] != true {
		t.Fatal("expected with_payload=true")
	}
	if request["with_vector"] != false {
		t.Fatal("expected with_vector=false")
	}
	filter, ok := request["filter"].(map[string]any)
	if !ok {
		t.Fatalf("expected filter object, got %T", request["filter"])
	}
	must, ok := filter["must"].([]any)
	if !ok || len(must) != 2 {
		t.Fatalf("expected two must conditions, got %v", filter["must"])
	}

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].ID != "AAPL_2023_4" {
		t.Fatalf("expected record id from payload, got %s", matches[0].ID)
	}
	if matches[0].Score != 0.91 {
		t.Fatalf("unexpected score %f", matches[0].Score)
	}
	if matches[0].Payload[PayloadContent] != "risk factors" {
		t.Fatalf("payload content missing, got %v", matches[0].Payload)
	}
}

func TestQdrantInitCreatesMissingCollection(t *testing.T) {
	var gets, puts int32
	var createBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/filing_chunks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			atomic.AddInt32(&gets, 1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"error":"Not found: Collection filing_chunks doesn't exist"}}`))
		case http.MethodPut:
			atomic.AddInt32(&puts, 1)
			if err := json.NewDecoder(r.Body).Decode(&createBody); err != nil {
				t.Errorf("decode create body: %v", err)
			}
			writeQdrantResult(w, true)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	if err := index.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if atomic.LoadInt32(&gets) != 1 || atomic.LoadInt32(&puts) != 1 {
		t.Fatalf("expected 1 GET and 1 PUT, got %d and %d", gets, puts)
	}
	vectors, ok := createBody["vectors"].(map[string]any)
	if !ok {
		t.Fatalf("expected vectors config, got %v", createBody)
	}
	if vectors["size"] != float64(3) {
		t.Fatalf("expected size 3, got %v", vectors["size"])
	}
	if vectors["distance"] != "Cosine" {
		t.Fatalf("expected cosine distance, got %v", vectors["distance"])
	}
}

func TestQdrantInitSkipsExistingCollection(t *testing.T) {
	var puts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			atomic.AddInt32(&puts, 1)
		}
		writeQdrantResult(w, map[string]any{"status": "green"})
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	if err := index.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if atomic.LoadInt32(&puts) != 0 {
		t.Fatalf("expected no create for existing collection, got %d", puts)
	}
}

func TestQdrantCountSendsExactFilter(t *testing.T) {
	var request map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/filing_chunks/points/count" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode count body: %v", err)
		}
		writeQdrantResult(w, map[string]any{"count": 42})
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	count, err := index.Count(context.Background(), Filter{Ticker: "AAPL"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 42 {
		t.Fatalf("expected 42, got %d", count)
	}
	if request["exact"] != true {
		t.Fatal("expected exact count request")
	}
	if _, ok := request["filter"]; !ok {
		t.Fatal("expected filter in count request")
	}
}

func TestQdrantSendsAPIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "secret-key" {
			t.Errorf("missing api-key header, got %q", r.Header.Get("api-key"))
		}
		writeQdrantResult(w, map[string]any{"count": 0})
	}))
	defer server.Close()

	index := NewQdrant(QdrantConfig{URL: server.URL, APIKey: "secret-key", Dimensions: 3})
	if _, err := index.Count(context.Background(), Filter{}); err != nil {
		t.Fatalf("count: %v", err)
	}
}

func TestQdrantSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":{"error":"wal write failed"}}`))
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	err := index.Upsert(context.Background(), []Record{{ID: "AAPL_2023_0", Vector: []float32{1, 0, 0}}})
	if err == nil {
		t.Fatal("expected error from server failure")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestQdrantPingChecksReadiness(t *testing.T) {
	ready := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if atomic.LoadInt32(&ready) == 1 {
			_, _ = w.Write([]byte("all shards are ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	index := newTestQdrant(server.URL)
	if err := index.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure while not ready")
	}

	atomic.StoreInt32(&ready, 1)
	if err := index.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
