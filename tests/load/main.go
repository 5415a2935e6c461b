package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filingsight/ingest-back/internal/cache"
	"github.com/filingsight/ingest-back/internal/chunker"
	"github.com/filingsight/ingest-back/internal/domain"
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

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type chunkingResult struct {
	FilingChars    int     `json:"filing_chars"`
	Chunks         int     `json:"chunks"`
	ChunkSize      int     `json:"chunk_size"`
	Overlap        int     `json:"overlap"`
	ThroughputMBPS float64 `json:"throughput_mb_per_s"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Chunking       chunkingResult   `json:"chunking"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server           *httptest.Server
	edgarServer      *httptest.Server
	embeddingsServer *httptest.Server
	cancel           context.CancelFunc
}

func (e *benchmarkEnv) close() {
	e.cancel()
	e.server.Close()
	e.edgarServer.Close()
	e.embeddingsServer.Close()
}

func main() {
	searchTotal := flag.Int("search-total", 300, "total search requests")
	searchConcurrency := flag.Int("search-concurrency", 24, "concurrency for search requests")
	ingestTotal := flag.Int("ingest-total", 150, "total ingestion enqueue requests")
	ingestConcurrency := flag.Int("ingest-concurrency", 16, "concurrency for ingestion enqueue requests")
	listTotal := flag.Int("list-total", 120, "total run list requests")
	listConcurrency := flag.Int("list-concurrency", 20, "concurrency for run list requests")
	statsTotal := flag.Int("stats-total", 120, "total stats requests")
	statsConcurrency := flag.Int("stats-concurrency", 20, "concurrency for stats requests")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.close()

	client := &http.Client{Timeout: 10 * time.Second}
	var idCounter int64

	queries := []string{
		"net sales and revenue growth",
		"liquidity and capital resources",
		"risk factors related to supply chain",
		"research and development expense",
	}
	searchScenario := runScenario("search_sync", *searchTotal, *searchConcurrency, func(index int) error {
		payload := map[string]any{
			"query":  queries[index%len(queries)],
			"ticker": "AAPL",
			"limit":  5,
		}
		return postJSON(client, env.server.URL+"/v1/search", payload, nil, http.StatusOK)
	})

	ingestScenario := runScenario("ingestions_enqueue", *ingestTotal, *ingestConcurrency, func(index int) error {
		requestID := atomic.AddInt64(&idCounter, 1)
		payload := map[string]any{
			"requests": []map[string]any{
				{"ticker": "MSFT", "years": []int{2016 + (index % 9)}},
			},
		}
		headers := map[string]string{
			"Idempotency-Key": fmt.Sprintf("load-ingest-%d-%d", requestID, time.Now().UnixNano()),
		}
		return postJSON(client, env.server.URL+"/v1/admin/ingestions", payload, headers, http.StatusAccepted)
	})

	listScenario := runScenario("ingestions_list", *listTotal, *listConcurrency, func(index int) error {
		query := fmt.Sprintf(
			"%s/v1/admin/ingestions?page=%d&page_size=20",
			env.server.URL,
			(index%6)+1,
		)
		return getJSON(client, query, http.StatusOK)
	})

	statsScenario := runScenario("stats_fanout", *statsTotal, *statsConcurrency, func(int) error {
		return getJSON(client, env.server.URL+"/v1/stats", http.StatusOK)
	})

	chunking := runChunkingScenario()
	results := []scenarioResult{
		searchScenario,
		ingestScenario,
		listScenario,
		statsScenario,
	}

	slo := map[string]bool{
		"ING-001_search_endpoint_p95_le_250ms":  searchScenario.P95MS <= 250,
		"ING-002_ingestion_accept_p95_le_500ms": ingestScenario.P95MS <= 500,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		Chunking:       chunking,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	filingHTML := strings.Repeat("<p>Net sales increased compared with the prior fiscal year.</p>\n", 400)
	edgarServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/submissions/"):
			forms := make([]string, 0, 9)
			dates := make([]string, 0, 9)
			accessions := make([]string, 0, 9)
			documents := make([]string, 0, 9)
			for year := 2016; year <= 2024; year++ {
				forms = append(forms, "10-K")
				dates = append(dates, fmt.Sprintf("%d-10-27", year))
				accessions = append(accessions, fmt.Sprintf("0000320193-%02d-000106", year%100))
				documents = append(documents, fmt.Sprintf("filing-%d.htm", year))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"filings": map[string]any{
					"recent": map[string]any{
						"form":            forms,
						"filingDate":      dates,
						"accessionNumber": accessions,
						"primaryDocument": documents,
					},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/Archives/"):
			_, _ = w.Write([]byte(filingHTML))
		default:
			http.NotFound(w, r)
		}
	}))

	const dimensions = 8
	embeddingsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(request.Input))
		for i := range request.Input {
			vector := make([]float32, dimensions)
			vector[i%dimensions] = 1
			data[i] = map[string]any{"index": i, "embedding": vector}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "load-embedding-model",
			"data":  data,
		})
	}))

	fetcher := edgar.NewClient(edgar.ClientConfig{
		BaseURL:           edgarServer.URL,
		DataBaseURL:       edgarServer.URL,
		UserAgent:         "filingsight-load test@filingsight.dev",
		RequestsPerSecond: 500,
		YearMin:           2016,
		YearMax:           2024,
		HTTPClient:        edgarServer.Client(),
	})
	embedder := embedding.NewClient(embedding.ClientConfig{
		APIKey:     "load-key",
		BaseURL:    embeddingsServer.URL,
		Model:      "load-embedding-model",
		Dimensions: dimensions,
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
	localQueue := queue.NewLocalQueue(4096, 3, logger)

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
		Model:        "load-embedding-model",
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

	apple := domain.Company{Ticker: "AAPL", Name: "Apple Inc.", CIK: "320193"}
	microsoft := domain.Company{Ticker: "MSFT", Name: "Microsoft Corporation", CIK: "789019"}
	for _, company := range []domain.Company{apple, microsoft} {
		if _, err := companiesService.Register(ctx, company); err != nil {
			cancel()
			edgarServer.Close()
			embeddingsServer.Close()
			return nil, fmt.Errorf("seed company %s: %w", company.Ticker, err)
		}
	}

	// Populate the index before measuring so search runs over real records.
	seed := []ingest.Request{{Company: apple, Years: []int{2023}}}
	if _, err := orchestrator.Run(ctx, seed, nil); err != nil {
		cancel()
		edgarServer.Close()
		embeddingsServer.Close()
		return nil, fmt.Errorf("seed ingestion: %w", err)
	}

	processor := worker.NewProcessor(localQueue, runsRepo, orchestrator, registry, logger)
	go processor.Start(ctx)

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		server:           server,
		edgarServer:      edgarServer,
		embeddingsServer: embeddingsServer,
		cancel:           cancel,
	}, nil
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	result := scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
	return result
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

// runChunkingScenario measures raw splitter throughput over a synthetic
// filing, outside the HTTP path.
func runChunkingScenario() chunkingResult {
	const (
		chunkSize  = 1000
		overlap    = 100
		iterations = 20
	)

	splitter := chunker.New(chunkSize, overlap)
	text := strings.Repeat("The registrant reported consolidated revenue growth across all operating segments. ", 4200)

	startedAt := time.Now()
	var chunks []domain.Chunk
	for i := 0; i < iterations; i++ {
		chunks = splitter.Split("LOAD", 2023, text)
	}
	elapsedSeconds := time.Since(startedAt).Seconds()

	processedMB := float64(len(text)*iterations) / (1024 * 1024)
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = processedMB / elapsedSeconds
	}

	return chunkingResult{
		FilingChars:    len(text),
		Chunks:         len(chunks),
		ChunkSize:      chunkSize,
		Overlap:        overlap,
		ThroughputMBPS: round2(throughput),
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
