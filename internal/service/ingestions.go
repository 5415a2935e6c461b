package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/ingest"
	"github.com/filingsight/ingest-back/internal/queue"
	"github.com/filingsight/ingest-back/internal/repository"
	"github.com/google/uuid"
)

// IngestionsService turns API requests into persisted runs and queue work.
// The worker executes runs asynchronously; Cancel reaches in-flight work
// through the cancel registry shared with it.
type IngestionsService struct {
	runs         repository.RunsRepository
	companies    repository.CompaniesRepository
	producer     queue.Producer
	orchestrator *ingest.Orchestrator
	registry     *CancelRegistry
}

func NewIngestionsService(
	runs repository.RunsRepository,
	companies repository.CompaniesRepository,
	producer queue.Producer,
	orchestrator *ingest.Orchestrator,
	registry *CancelRegistry,
) *IngestionsService {
	return &IngestionsService{
		runs:         runs,
		companies:    companies,
		producer:     producer,
		orchestrator: orchestrator,
		registry:     registry,
	}
}

// StartRun resolves the requested tickers against the company registry,
// expands them into work items and enqueues the run. The pending run already
// carries its expanded items so progress is inspectable before the worker
// picks it up.
func (s *IngestionsService) StartRun(
	ctx context.Context,
	requests []domain.IngestionRequest,
) (*domain.IngestionRun, error) {
	resolved, err := s.resolveRequests(ctx, requests)
	if err != nil {
		return nil, err
	}

	items, err := s.orchestrator.Expand(resolved)
	if err != nil {
		return nil, err
	}

	rawRequests, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("marshal requests: %w", err)
	}

	now := time.Now().UTC()
	run := &domain.IngestionRun{
		ID:        uuid.NewString(),
		Status:    domain.RunStatusPending,
		Requests:  rawRequests,
		Items:     items,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	message := domain.QueueMessage{
		RunID:       run.ID,
		Requests:    rawRequests,
		Attempt:     0,
		RequestedAt: now,
	}

	if err := s.producer.Enqueue(ctx, message); err != nil {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = err.Error()
		run.UpdatedAt = time.Now().UTC()
		_ = s.runs.UpdateRun(ctx, run)
		return nil, fmt.Errorf("enqueue run: %w", err)
	}

	return run, nil
}

// resolveRequests maps tickers onto registered companies. An unregistered
// ticker rejects the whole batch: runs only ingest known companies.
func (s *IngestionsService) resolveRequests(
	ctx context.Context,
	requests []domain.IngestionRequest,
) ([]ingest.Request, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: at least one request is required", domain.ErrInvalidInput)
	}

	resolved := make([]ingest.Request, 0, len(requests))
	for _, request := range requests {
		ticker := NormalizeTicker(request.Ticker)
		if ticker == "" {
			return nil, fmt.Errorf("%w: ticker is required", domain.ErrInvalidInput)
		}
		company, err := s.companies.GetCompany(ctx, ticker)
		if err != nil {
			if err == repository.ErrNotFound {
				return nil, fmt.Errorf("%w: company %s is not registered", domain.ErrInvalidInput, ticker)
			}
			return nil, fmt.Errorf("load company %s: %w", ticker, err)
		}
		resolved = append(resolved, ingest.Request{Company: company, Years: request.Years})
	}
	return resolved, nil
}

func (s *IngestionsService) GetRun(ctx context.Context, runID string) (*domain.IngestionRun, error) {
	return s.runs.GetRun(ctx, runID)
}

func (s *IngestionsService) ListRuns(
	ctx context.Context,
	filter domain.RunListFilter,
) ([]*domain.IngestionRun, int, error) {
	return s.runs.ListRuns(ctx, filter)
}

// Cancel stops a run. A pending run is marked cancelled in place before the
// worker claims it; a running run is signalled through the registry and the
// worker records the final state once the in-flight stage finishes.
func (s *IngestionsService) Cancel(ctx context.Context, runID string) error {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case domain.RunStatusDone, domain.RunStatusFailed, domain.RunStatusCancelled:
		return fmt.Errorf("%w: run is already %s", domain.ErrInvalidInput, run.Status)
	case domain.RunStatusRunning:
		if s.registry.Cancel(runID) {
			return nil
		}
		return fmt.Errorf("%w: run is executing on another worker", domain.ErrInvalidInput)
	}

	run.Status = domain.RunStatusCancelled
	for i := range run.Items {
		if !run.Items[i].Status.Terminal() {
			run.Items[i].Status = domain.ItemStatusCancelled
			run.Items[i].ErrorKind = domain.KindCancelled
		}
	}
	run.UpdatedAt = time.Now().UTC()
	return s.runs.UpdateRun(ctx, run)
}

// CancelRegistry maps run IDs onto the cancel functions of their in-process
// executions. Only runs executing inside this process are reachable through
// it.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) Register(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[runID] = cancel
}

func (r *CancelRegistry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, runID)
}

// Cancel fires the registered cancel function and reports whether the run
// was found.
func (r *CancelRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
