package handlers

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/embedding"
	"github.com/filingsight/ingest-back/internal/http/middleware"
	"github.com/filingsight/ingest-back/internal/repository"
	"github.com/filingsight/ingest-back/internal/service"
	"github.com/filingsight/ingest-back/internal/vectorindex"
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	companiesService  *service.CompaniesService
	ingestionsService *service.IngestionsService
	searchService     *service.SearchService
	statsService      *service.StatsService
	index             vectorindex.Index
	idempotency       *idempotencyStore
}

func NewAPI(
	companiesService *service.CompaniesService,
	ingestionsService *service.IngestionsService,
	searchService *service.SearchService,
	statsService *service.StatsService,
	index vectorindex.Index,
) *API {
	return &API{
		companiesService:  companiesService,
		ingestionsService: ingestionsService,
		searchService:     searchService,
		statsService:      statsService,
		index:             index,
		idempotency:       newIdempotencyStore(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps the sentinel errors the services surface onto the
// API error envelope. Unknown errors stay opaque to callers.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrDuplicateTicker):
		writeError(w, r, http.StatusConflict, "duplicate_ticker", "ticker is already registered")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "upstream rate limit hit, retry later")
	case errors.Is(err, domain.ErrFilingNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "filing not found")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeError(w, r, http.StatusBadGateway, "upstream_unavailable", "upstream dependency unavailable")
	case errors.Is(err, embedding.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "embeddings_unavailable", "embeddings API is not configured")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}

type idempotencyEntry struct {
	PayloadHash uint64
	RunID       string
	CreatedAt   time.Time
}

type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		RunID:       runID,
		CreatedAt:   time.Now().UTC(),
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
