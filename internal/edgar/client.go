// Package edgar fetches 10-K filings from the SEC EDGAR system. All requests
// from one Client share a single token-bucket limiter so the process stays
// inside the SEC's published request budget no matter how many callers run.
package edgar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/filingsight/ingest-back/internal/domain"
)

// Fetcher retrieves one raw filing per (company, year).
type Fetcher interface {
	Fetch(ctx context.Context, company domain.Company, year int) (domain.RawFiling, error)
}

const maxRetryAfter = 30 * time.Second

type ClientConfig struct {
	BaseURL           string
	DataBaseURL       string
	UserAgent         string
	RequestsPerSecond float64
	MaxRetries        int
	Backoff           time.Duration
	Timeout           time.Duration
	YearMin           int
	YearMax           int
	HTTPClient        *http.Client
}

type Client struct {
	baseURL     string
	dataBaseURL string
	userAgent   string
	maxRetries  int
	backoff     time.Duration
	timeout     time.Duration
	yearMin     int
	yearMax     int
	httpClient  *http.Client
	limiter     *rate.Limiter
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://www.sec.gov"
	}
	if strings.TrimSpace(config.DataBaseURL) == "" {
		config.DataBaseURL = "https://data.sec.gov"
	}
	if strings.TrimSpace(config.UserAgent) == "" {
		config.UserAgent = "filingsight ingest-back admin@filingsight.dev"
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.YearMin <= 0 {
		config.YearMin = 2016
	}
	if config.YearMax <= 0 {
		config.YearMax = 2024
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		dataBaseURL: strings.TrimSuffix(config.DataBaseURL, "/"),
		userAgent:   strings.TrimSpace(config.UserAgent),
		maxRetries:  config.MaxRetries,
		backoff:     config.Backoff,
		timeout:     config.Timeout,
		yearMin:     config.YearMin,
		yearMax:     config.YearMax,
		httpClient:  config.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
}

// YearRange reports the supported filing-year window.
func (c *Client) YearRange() (int, int) {
	return c.yearMin, c.yearMax
}

// Fetch locates the 10-K filed by the company in the given year and downloads
// its primary document. The filing year is the year the document was filed
// with the SEC, which for 10-Ks usually covers the prior fiscal year.
func (c *Client) Fetch(ctx context.Context, company domain.Company, year int) (domain.RawFiling, error) {
	cik := strings.TrimSpace(company.CIK)
	if cik == "" {
		return domain.RawFiling{}, fmt.Errorf("company %s has no cik: %w", company.Ticker, domain.ErrInvalidInput)
	}
	cikNumber, err := strconv.Atoi(cik)
	if err != nil {
		return domain.RawFiling{}, fmt.Errorf("cik %q is not numeric: %w", cik, domain.ErrInvalidInput)
	}
	if year < c.yearMin || year > c.yearMax {
		return domain.RawFiling{}, fmt.Errorf("year %d outside supported range %d-%d: %w",
			year, c.yearMin, c.yearMax, domain.ErrInvalidInput)
	}

	filing, err := c.findFiling(ctx, cikNumber, year)
	if err != nil {
		return domain.RawFiling{}, fmt.Errorf("locate 10-K for %s %d: %w", company.Ticker, year, err)
	}

	documentURL := c.documentURL(cikNumber, filing)
	body, err := c.get(ctx, documentURL)
	if err != nil {
		return domain.RawFiling{}, fmt.Errorf("download 10-K for %s %d: %w", company.Ticker, year, err)
	}

	return domain.RawFiling{
		Company:         company,
		Year:            year,
		AccessionNumber: filing.accessionNumber,
		DocumentName:    filing.documentName(),
		FiledAt:         filing.filedAt,
		Text:            body,
	}, nil
}

// filingRef is one matching entry from the submissions index.
type filingRef struct {
	accessionNumber string
	primaryDocument string
	filedAt         string
}

func (f filingRef) documentName() string {
	if f.primaryDocument != "" {
		return f.primaryDocument
	}
	// Complete submission text file, always present alongside the filing.
	return f.accessionNumber + ".txt"
}

// submissionsResponse mirrors the parallel arrays of the EDGAR submissions
// API: entry i of every array describes the same filing.
type submissionsResponse struct {
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			AccessionNumber []string `json:"accessionNumber"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

func (c *Client) findFiling(ctx context.Context, cikNumber, year int) (filingRef, error) {
	url := fmt.Sprintf("%s/submissions/CIK%010d.json", c.dataBaseURL, cikNumber)
	body, err := c.get(ctx, url)
	if err != nil {
		return filingRef{}, err
	}

	var submissions submissionsResponse
	if err := json.Unmarshal(body, &submissions); err != nil {
		return filingRef{}, fmt.Errorf("decode submissions index: %w", err)
	}

	recent := submissions.Filings.Recent
	for i, form := range recent.Form {
		if form != "10-K" || i >= len(recent.FilingDate) || i >= len(recent.AccessionNumber) {
			continue
		}
		filedAt := recent.FilingDate[i]
		filedYear, err := strconv.Atoi(firstField(filedAt, "-"))
		if err != nil || filedYear != year {
			continue
		}
		ref := filingRef{
			accessionNumber: recent.AccessionNumber[i],
			filedAt:         filedAt,
		}
		if i < len(recent.PrimaryDocument) {
			ref.primaryDocument = strings.TrimSpace(recent.PrimaryDocument[i])
		}
		return ref, nil
	}
	return filingRef{}, fmt.Errorf("no 10-K filed in %d: %w", year, domain.ErrFilingNotFound)
}

func (c *Client) documentURL(cikNumber int, filing filingRef) string {
	accession := strings.ReplaceAll(filing.accessionNumber, "-", "")
	return fmt.Sprintf("%s/Archives/edgar/data/%d/%s/%s",
		c.baseURL, cikNumber, accession, filing.documentName())
}

// get downloads url under the shared limiter with the retry policy: 404 maps
// to ErrFilingNotFound without retrying, 429 waits out Retry-After and tries
// exactly once more, 5xx and transport failures back off exponentially up to
// maxRetries attempts before surfacing ErrUpstreamUnavailable.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	attempt := 0
	retriedRateLimit := false

	for {
		body, err := c.fetchURL(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var httpErr *edgarHTTPError
		if errors.As(err, &httpErr) {
			if httpErr.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%v: %w", err, domain.ErrFilingNotFound)
			}
			if httpErr.StatusCode == http.StatusTooManyRequests {
				if retriedRateLimit {
					return nil, fmt.Errorf("still throttled after honoring retry-after: %w", domain.ErrRateLimited)
				}
				retriedRateLimit = true
				if err := sleepContext(ctx, c.retryAfterDelay(httpErr.RetryAfter)); err != nil {
					return nil, err
				}
				continue
			}
		}

		if !isRetryableError(err) {
			break
		}
		attempt++
		if attempt >= c.maxRetries {
			break
		}
		backoff := c.backoff << (attempt - 1)
		if err := sleepContext(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("edgar request failed: %v: %w", lastErr, domain.ErrUpstreamUnavailable)
}

func (c *Client) fetchURL(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create edgar request: %w", err)
	}
	httpRequest.Header.Set("User-Agent", c.userAgent)
	httpRequest.Header.Set("Accept", "*/*")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("edgar timeout: %w", err)
		}
		return nil, fmt.Errorf("edgar transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("read edgar body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &edgarHTTPError{
			StatusCode: httpResponse.StatusCode,
			Message:    message,
			RetryAfter: httpResponse.Header.Get("Retry-After"),
		}
	}
	return body, nil
}

func (c *Client) retryAfterDelay(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return c.backoff
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return c.backoff
	}
	delay := time.Duration(seconds) * time.Second
	if delay > maxRetryAfter {
		return maxRetryAfter
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func firstField(value, separator string) string {
	if index := strings.Index(value, separator); index >= 0 {
		return value[:index]
	}
	return value
}

type edgarHTTPError struct {
	StatusCode int
	Message    string
	RetryAfter string
}

func (e *edgarHTTPError) Error() string {
	return fmt.Sprintf("edgar status %d: %s", e.StatusCode, e.Message)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *edgarHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") || strings.Contains(message, "tempor") {
		return true
	}
	return false
}
