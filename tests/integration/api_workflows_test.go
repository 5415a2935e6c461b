package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filingsight/ingest-back/internal/cache"
	"github.com/filingsight/ingest-back/internal/chunker"
	"github.com/filingsight/ingest-back/internal/edgar"
	"github.com/filingsight/ingest-back/internal/embedding"
	"github.com/filingsight/ingest-back/internal/gateway"
	httpserver "github.com/filingsight/ingest-back/internal/http"
	"github.com/filingsight/ingest-back/internal/http/handlers"
	"github.com/filingsight/ingest-back/internal/ingest"
	"github.com/filingsight/ingest-back/internal/queue"
	"github.com/filingsight/ingest-back/internal/repository"
	"github.com/filingsight/ingest-back/internal/service"
	"github.com/filingsight/ingest-back/internal/vectorindex"
	"github.com/filingsight/ingest-back/internal/worker"
)

const testEmbeddingDimensions = 8

type integrationRuntime struct {
	server    *httptest.Server
	edgarHits *atomic.Int64
	cancel    context.CancelFunc
}

// startIntegrationRuntime assembles the full service against fake EDGAR and
// embeddings endpoints: memory repositories, memory vector index, local queue
// and a live worker goroutine.
func startIntegrationRuntime(t *testing.T) integrationRuntime {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	filingHTML := strings.Repeat("<p>Net sales increased compared with the prior fiscal year.</p>\n", 400)

	var edgarHits atomic.Int64
	edgarServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		edgarHits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/submissions/"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"filings": map[string]any{
					"recent": map[string]any{
						"form":            []string{"10-K", "10-Q"},
						"filingDate":      []string{"2023-10-27", "2023-07-28"},
						"accessionNumber": []string{"0000320193-23-000106", "0000320193-23-000077"},
						"primaryDocument": []string{"aapl-20230930.htm", "aapl-20230630.htm"},
					},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/Archives/"):
			_, _ = w.Write([]byte(filingHTML))
		default:
			http.NotFound(w, r)
		}
	}))

	embeddingsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var request struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(request.Input))
		for i := range request.Input {
			vector := make([]float32, testEmbeddingDimensions)
			vector[i%testEmbeddingDimensions] = 1
			data[i] = map[string]any{"index": i, "embedding": vector}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-embedding-model",
			"data":  data,
		})
	}))

	fetcher := edgar.NewClient(edgar.ClientConfig{
		BaseURL:           edgarServer.URL,
		DataBaseURL:       edgarServer.URL,
		UserAgent:         "filingsight-integration test@filingsight.dev",
		RequestsPerSecond: 500,
		YearMin:           2016,
		YearMax:           2024,
		HTTPClient:        edgarServer.Client(),
	})
	embedder := embedding.NewClient(embedding.ClientConfig{
		APIKey:     "test-key",
		BaseURL:    embeddingsServer.URL,
		Model:      "test-embedding-model",
		Dimensions: testEmbeddingDimensions,
		HTTPClient: embeddingsServer.Client(),
	})

	index := vectorindex.NewMemory()
	splitter := chunker.New(1000, 100)
	indexer := gateway.New(gateway.Dependencies{
		Embedder:  embedder,
		Index:     index,
		BatchSize: 16,
		Logger:    logger,
	})
	orchestrator := ingest.New(ingest.Dependencies{
		Fetcher:      fetcher,
		Splitter:     splitter,
		Indexer:      indexer,
		YearMin:      2016,
		YearMax:      2024,
		StageTimeout: 30 * time.Second,
		Logger:       logger,
	})

	companiesRepo := repository.NewMemoryCompaniesRepository()
	runsRepo := repository.NewMemoryRunsRepository()
	localQueue := queue.NewLocalQueue(2048, 3, logger)

	registry := service.NewCancelRegistry()
	companiesService := service.NewCompaniesService(companiesRepo)
	ingestionsService := service.NewIngestionsService(runsRepo, companiesRepo, localQueue, orchestrator, registry)
	queryCache := cache.NewEmbeddingCache(cache.Config{
		TTL:        10 * time.Minute,
		MaxEntries: 4000,
	})
	searchService := service.NewSearchService(service.SearchConfig{
		Embedder:     embedder,
		Index:        index,
		Cache:        queryCache,
		Model:        "test-embedding-model",
		DefaultLimit: 5,
		MaxLimit:     20,
	})
	statsService := service.NewStatsService(companiesRepo, runsRepo, index)
	api := handlers.NewAPI(companiesService, ingestionsService, searchService, statsService, index)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      "",
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	processor := worker.NewProcessor(localQueue, runsRepo, orchestrator, registry, logger)
	go processor.Start(ctx)

	server := httptest.NewServer(router)
	return integrationRuntime{
		server:    server,
		edgarHits: &edgarHits,
		cancel: func() {
			cancel()
			server.Close()
			edgarServer.Close()
			embeddingsServer.Close()
		},
	}
}

func postJSON(
	t *testing.T,
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
) (int, map[string]any) {
	t.Helper()

	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("execute request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if len(raw) == 0 {
		return response.StatusCode, map[string]any{}
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response body (%d): %s", response.StatusCode, string(raw))
	}

	return response.StatusCode, decoded
}

func getJSON(t *testing.T, client *http.Client, url string) (int, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build get request: %v", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("execute get request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if len(raw) == 0 {
		return response.StatusCode, map[string]any{}
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode get response body (%d): %s", response.StatusCode, string(raw))
	}

	return response.StatusCode, decoded
}

// waitForRunStatus polls the run detail endpoint until the run reaches want.
// Reaching a different terminal status fails the test immediately.
func waitForRunStatus(
	t *testing.T,
	client *http.Client,
	baseURL string,
	runID string,
	want string,
	timeout time.Duration,
) map[string]any {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, body := getJSON(t, client, fmt.Sprintf("%s/v1/admin/ingestions/%s", baseURL, runID))
		if status != http.StatusOK {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		runStatus, _ := body["status"].(string)
		if runStatus == want {
			return body
		}
		switch runStatus {
		case "done", "failed", "cancelled":
			t.Fatalf("run %s ended %s, wanted %s: %+v", runID, runStatus, want, body)
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for run %s to reach %s", runID, want)
	return nil
}

func TestIngestionWorkflowRegisterIngestSearchStats(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	registerStatus, registerBody := postJSON(t, client, baseURL+"/v1/admin/companies", map[string]any{
		"ticker": "aapl",
		"name":   "Apple Inc.",
		"cik":    "320193",
	}, nil)
	if registerStatus != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d body=%+v", registerStatus, registerBody)
	}
	if got := fmt.Sprintf("%v", registerBody["ticker"]); got != "AAPL" {
		t.Fatalf("expected ticker normalized to AAPL, got %q", got)
	}

	duplicateStatus, duplicateBody := postJSON(t, client, baseURL+"/v1/admin/companies", map[string]any{
		"ticker": "AAPL",
		"name":   "Apple Inc.",
		"cik":    "320193",
	}, nil)
	if duplicateStatus != http.StatusConflict {
		t.Fatalf("expected 409 from duplicate register, got %d body=%+v", duplicateStatus, duplicateBody)
	}
	errorEnvelope, ok := duplicateBody["error"].(map[string]any)
	if !ok || fmt.Sprintf("%v", errorEnvelope["code"]) != "duplicate_ticker" {
		t.Fatalf("expected duplicate_ticker error envelope, got %+v", duplicateBody)
	}

	listStatus, listBody := getJSON(t, client, baseURL+"/v1/admin/companies")
	if listStatus != http.StatusOK {
		t.Fatalf("expected 200 from company list, got %d body=%+v", listStatus, listBody)
	}
	companies, ok := listBody["items"].([]any)
	if !ok || len(companies) != 1 {
		t.Fatalf("expected exactly one registered company, got %+v", listBody)
	}

	ingestPayload := map[string]any{
		"requests": []map[string]any{
			{"ticker": "AAPL", "years": []int{2023}},
		},
	}
	ingestStatus, ingestBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", ingestPayload,
		map[string]string{"Idempotency-Key": "ingest-e2e-flow-000001"})
	if ingestStatus != http.StatusAccepted {
		t.Fatalf("expected 202 from ingestion create, got %d body=%+v", ingestStatus, ingestBody)
	}
	runID, _ := ingestBody["run_id"].(string)
	if strings.TrimSpace(runID) == "" {
		t.Fatalf("expected run id, got %+v", ingestBody)
	}

	runBody := waitForRunStatus(t, client, baseURL, runID, "done", 4*time.Second)
	runItems, ok := runBody["items"].([]any)
	if !ok || len(runItems) != 1 {
		t.Fatalf("expected one work item on run, got %+v", runBody)
	}
	item, _ := runItems[0].(map[string]any)
	if got := fmt.Sprintf("%v", item["status"]); got != "done" {
		t.Fatalf("expected item done, got %q item=%+v", got, item)
	}
	chunkCount, _ := item["chunk_count"].(float64)
	if chunkCount <= 0 {
		t.Fatalf("expected positive chunk_count, got %+v", item)
	}
	if indexed, _ := item["indexed_chunks"].(float64); indexed != chunkCount {
		t.Fatalf("expected all %v chunks indexed, got %v", chunkCount, indexed)
	}

	searchPayload := map[string]any{
		"query":  "net sales growth",
		"ticker": "AAPL",
		"limit":  5,
	}
	searchStatus, searchBody := postJSON(t, client, baseURL+"/v1/search", searchPayload, nil)
	if searchStatus != http.StatusOK {
		t.Fatalf("expected 200 from search, got %d body=%+v", searchStatus, searchBody)
	}
	hits, ok := searchBody["hits"].([]any)
	if !ok || len(hits) == 0 {
		t.Fatalf("expected search hits after ingestion, got %+v", searchBody)
	}
	firstHit, _ := hits[0].(map[string]any)
	if got := fmt.Sprintf("%v", firstHit["ticker"]); got != "AAPL" {
		t.Fatalf("expected AAPL hit, got %+v", firstHit)
	}

	cachedStatus, cachedBody := postJSON(t, client, baseURL+"/v1/search", searchPayload, nil)
	if cachedStatus != http.StatusOK {
		t.Fatalf("expected 200 from repeated search, got %d body=%+v", cachedStatus, cachedBody)
	}
	if cached, _ := cachedBody["cached"].(bool); !cached {
		t.Fatalf("expected repeated query to hit the embedding cache, got %+v", cachedBody["cached"])
	}

	statsStatus, statsBody := getJSON(t, client, baseURL+"/v1/stats")
	if statsStatus != http.StatusOK {
		t.Fatalf("expected 200 from stats, got %d body=%+v", statsStatus, statsBody)
	}
	if got, _ := statsBody["companies"].(float64); got != 1 {
		t.Fatalf("expected 1 company in stats, got %+v", statsBody)
	}
	totalChunks, _ := statsBody["total_chunks"].(float64)
	if totalChunks != chunkCount {
		t.Fatalf("expected total_chunks %v, got %v", chunkCount, totalChunks)
	}

	// Re-ingesting the same company and year must not grow the index.
	rerunStatus, rerunBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", ingestPayload,
		map[string]string{"Idempotency-Key": "ingest-e2e-flow-000002"})
	if rerunStatus != http.StatusAccepted {
		t.Fatalf("expected 202 from re-ingestion, got %d body=%+v", rerunStatus, rerunBody)
	}
	rerunID, _ := rerunBody["run_id"].(string)
	waitForRunStatus(t, client, baseURL, rerunID, "done", 4*time.Second)

	afterStatus, afterBody := getJSON(t, client, baseURL+"/v1/stats")
	if afterStatus != http.StatusOK {
		t.Fatalf("expected 200 from stats after re-ingestion, got %d", afterStatus)
	}
	if after, _ := afterBody["total_chunks"].(float64); after != totalChunks {
		t.Fatalf("expected re-ingestion to leave total_chunks at %v, got %v", totalChunks, after)
	}
}

func TestIngestionValidationAndIdempotencyReplay(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	registerStatus, registerBody := postJSON(t, client, baseURL+"/v1/admin/companies", map[string]any{
		"ticker": "MSFT",
		"name":   "Microsoft Corporation",
		"cik":    "789019",
	}, nil)
	if registerStatus != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d body=%+v", registerStatus, registerBody)
	}

	payload := map[string]any{
		"requests": []map[string]any{
			{"ticker": "MSFT", "years": []int{2023}},
		},
	}

	missingKeyStatus, missingKeyBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", payload, nil)
	if missingKeyStatus != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d body=%+v", missingKeyStatus, missingKeyBody)
	}

	shortKeyStatus, shortKeyBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", payload,
		map[string]string{"Idempotency-Key": "short"})
	if shortKeyStatus != http.StatusBadRequest {
		t.Fatalf("expected 400 for short Idempotency-Key, got %d body=%+v", shortKeyStatus, shortKeyBody)
	}

	unknownPayload := map[string]any{
		"requests": []map[string]any{
			{"ticker": "NFLX", "years": []int{2023}},
		},
	}
	unknownStatus, unknownBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", unknownPayload,
		map[string]string{"Idempotency-Key": "ingest-validation-000001"})
	if unknownStatus != http.StatusBadRequest {
		t.Fatalf("expected 400 for unregistered ticker, got %d body=%+v", unknownStatus, unknownBody)
	}
	unknownEnvelope, ok := unknownBody["error"].(map[string]any)
	if !ok || !strings.Contains(fmt.Sprintf("%v", unknownEnvelope["message"]), "NFLX") {
		t.Fatalf("expected error naming the unknown ticker, got %+v", unknownBody)
	}

	firstStatus, firstBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", payload,
		map[string]string{"Idempotency-Key": "ingest-replay-00000001"})
	if firstStatus != http.StatusAccepted {
		t.Fatalf("expected 202 from ingestion create, got %d body=%+v", firstStatus, firstBody)
	}
	firstRunID, _ := firstBody["run_id"].(string)
	if strings.TrimSpace(firstRunID) == "" {
		t.Fatalf("expected run id, got %+v", firstBody)
	}

	replayStatus, replayBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", payload,
		map[string]string{"Idempotency-Key": "ingest-replay-00000001"})
	if replayStatus != http.StatusAccepted {
		t.Fatalf("expected 202 from replay, got %d body=%+v", replayStatus, replayBody)
	}
	if replayRunID, _ := replayBody["run_id"].(string); replayRunID != firstRunID {
		t.Fatalf("expected replay to return run %s, got %s", firstRunID, replayRunID)
	}

	conflictPayload := map[string]any{
		"requests": []map[string]any{
			{"ticker": "MSFT", "years": []int{2022}},
		},
	}
	conflictStatus, conflictBody := postJSON(t, client, baseURL+"/v1/admin/ingestions", conflictPayload,
		map[string]string{"Idempotency-Key": "ingest-replay-00000001"})
	if conflictStatus != http.StatusConflict {
		t.Fatalf("expected 409 for reused key with different payload, got %d body=%+v", conflictStatus, conflictBody)
	}
	conflictEnvelope, ok := conflictBody["error"].(map[string]any)
	if !ok || fmt.Sprintf("%v", conflictEnvelope["code"]) != "idempotency_conflict" {
		t.Fatalf("expected idempotency_conflict envelope, got %+v", conflictBody)
	}
}

func TestOutOfRangeYearFailsWithoutFetch(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	registerStatus, registerBody := postJSON(t, client, baseURL+"/v1/admin/companies", map[string]any{
		"ticker": "AAPL",
		"name":   "Apple Inc.",
		"cik":    "320193",
	}, nil)
	if registerStatus != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d body=%+v", registerStatus, registerBody)
	}

	before := runtime.edgarHits.Load()

	payload := map[string]any{
		"requests": []map[string]any{
			{"ticker": "AAPL", "years": []int{1999}},
		},
	}
	status, body := postJSON(t, client, baseURL+"/v1/admin/ingestions", payload,
		map[string]string{"Idempotency-Key": "ingest-badyear-0000001"})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 from ingestion create, got %d body=%+v", status, body)
	}
	runID, _ := body["run_id"].(string)

	runBody := waitForRunStatus(t, client, baseURL, runID, "failed", 4*time.Second)
	items, ok := runBody["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one work item, got %+v", runBody)
	}
	item, _ := items[0].(map[string]any)
	if got := fmt.Sprintf("%v", item["status"]); got != "failed" {
		t.Fatalf("expected failed item, got %q item=%+v", got, item)
	}
	if got := fmt.Sprintf("%v", item["error_kind"]); got != "invalid_input" {
		t.Fatalf("expected invalid_input error kind, got %q item=%+v", got, item)
	}

	if after := runtime.edgarHits.Load(); after != before {
		t.Fatalf("expected no EDGAR requests for out-of-range year, got %d", after-before)
	}
}
