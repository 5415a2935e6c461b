package edgar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
)

const submissionsFixture = `{"filings":{"recent":{
	"form":["8-K","10-K","10-K"],
	"filingDate":["2023-01-05","2023-02-03","2022-02-04"],
	"accessionNumber":["0000320193-23-000001","0000320193-23-000106","0000320193-22-000108"],
	"primaryDocument":["a8k.htm","aapl-20221231.htm","aapl-20211231.htm"]
}}}`

var testCompany = domain.Company{Ticker: "AAPL", Name: "Apple Inc.", CIK: "320193"}

func testClient(serverURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:           serverURL,
		DataBaseURL:       serverURL,
		UserAgent:         "ingest-back test suite test@example.com",
		RequestsPerSecond: 1000,
		MaxRetries:        3,
		Backoff:           time.Millisecond,
		Timeout:           2 * time.Second,
	})
}

func TestClientFetchSuccess(t *testing.T) {
	var documentPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "test@example.com") {
			t.Errorf("missing identifying user agent, got %q", got)
		}
		switch {
		case r.URL.Path == "/submissions/CIK0000320193.json":
			_, _ = w.Write([]byte(submissionsFixture))
		case strings.HasPrefix(r.URL.Path, "/Archives/"):
			documentPath.Store(r.URL.Path)
			_, _ = w.Write([]byte("<html><body>Annual Report</body></html>"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL)
	filing, err := client.Fetch(context.Background(), testCompany, 2023)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if filing.AccessionNumber != "0000320193-23-000106" {
		t.Fatalf("unexpected accession: %s", filing.AccessionNumber)
	}
	if filing.DocumentName != "aapl-20221231.htm" {
		t.Fatalf("unexpected document: %s", filing.DocumentName)
	}
	if filing.FiledAt != "2023-02-03" {
		t.Fatalf("unexpected filing date: %s", filing.FiledAt)
	}
	if !strings.Contains(string(filing.Text), "Annual Report") {
		t.Fatalf("document body not returned")
	}
	wantPath := "/Archives/edgar/data/320193/000032019323000106/aapl-20221231.htm"
	if got := documentPath.Load(); got != wantPath {
		t.Fatalf("document path = %v, want %s", got, wantPath)
	}
}

func TestClientFetchPicksFilingByYear(t *testing.T) {
	var documentPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/submissions/") {
			_, _ = w.Write([]byte(submissionsFixture))
			return
		}
		documentPath.Store(r.URL.Path)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	filing, err := client.Fetch(context.Background(), testCompany, 2022)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if filing.AccessionNumber != "0000320193-22-000108" {
		t.Fatalf("picked wrong filing: %s", filing.AccessionNumber)
	}
	if got := documentPath.Load(); !strings.Contains(got.(string), "aapl-20211231.htm") {
		t.Fatalf("unexpected document path: %v", got)
	}
}

func TestClientFetchNoFilingForYear(t *testing.T) {
	var documentCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/submissions/") {
			_, _ = w.Write([]byte(submissionsFixture))
			return
		}
		atomic.AddInt32(&documentCalls, 1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Fetch(context.Background(), testCompany, 2024)
	if !errors.Is(err, domain.ErrFilingNotFound) {
		t.Fatalf("expected ErrFilingNotFound, got %v", err)
	}
	if calls := atomic.LoadInt32(&documentCalls); calls != 0 {
		t.Fatalf("document endpoint called %d times for missing filing", calls)
	}
}

func TestClientFetchSubmissionsNotFoundDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Fetch(context.Background(), testCompany, 2023)
	if !errors.Is(err, domain.ErrFilingNotFound) {
		t.Fatalf("expected ErrFilingNotFound, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call for 404, got %d", got)
	}
}

func TestClientFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Fetch(context.Background(), testCompany, 2023)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientFetchHonorsRetryAfterOnce(t *testing.T) {
	var documentCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/submissions/") {
			_, _ = w.Write([]byte(submissionsFixture))
			return
		}
		if atomic.AddInt32(&documentCalls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	filing, err := client.Fetch(context.Background(), testCompany, 2023)
	if err != nil {
		t.Fatalf("expected recovery after retry-after, got err=%v", err)
	}
	if string(filing.Text) != "recovered" {
		t.Fatalf("unexpected body: %s", filing.Text)
	}
	if got := atomic.LoadInt32(&documentCalls); got != 2 {
		t.Fatalf("expected exactly 2 document calls, got %d", got)
	}
}

func TestClientFetchRateLimitedAfterSecondThrottle(t *testing.T) {
	var documentCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/submissions/") {
			_, _ = w.Write([]byte(submissionsFixture))
			return
		}
		atomic.AddInt32(&documentCalls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Fetch(context.Background(), testCompany, 2023)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := atomic.LoadInt32(&documentCalls); got != 2 {
		t.Fatalf("expected exactly 2 document calls, got %d", got)
	}
}

func TestClientFetchRejectsYearOutsideRange(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := testClient(server.URL)
	for _, year := range []int{1999, 2015, 2031} {
		_, err := client.Fetch(context.Background(), testCompany, year)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("year %d: expected ErrInvalidInput, got %v", year, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no network calls for invalid years, got %d", got)
	}
}

func TestClientFetchRejectsBadCIK(t *testing.T) {
	client := testClient("http://127.0.0.1:0")
	for _, cik := range []string{"", "  ", "12AB"} {
		company := domain.Company{Ticker: "ACME", CIK: cik}
		_, err := client.Fetch(context.Background(), company, 2023)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("cik %q: expected ErrInvalidInput, got %v", cik, err)
		}
	}
}

func TestClientFetchFallsBackToSubmissionTextFile(t *testing.T) {
	fixture := `{"filings":{"recent":{
		"form":["10-K"],
		"filingDate":["2021-03-01"],
		"accessionNumber":["0000320193-21-000010"],
		"primaryDocument":[""]
	}}}`
	var documentPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/submissions/") {
			_, _ = w.Write([]byte(fixture))
			return
		}
		documentPath.Store(r.URL.Path)
		_, _ = w.Write([]byte("full submission"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	filing, err := client.Fetch(context.Background(), testCompany, 2021)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if filing.DocumentName != "0000320193-21-000010.txt" {
		t.Fatalf("unexpected fallback document: %s", filing.DocumentName)
	}
	want := "/Archives/edgar/data/320193/000032019321000010/0000320193-21-000010.txt"
	if got := documentPath.Load(); got != want {
		t.Fatalf("document path = %v, want %s", got, want)
	}
}
