package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/filingsight/ingest-back/internal/domain"
)

// RunsRepository persists ingestion runs and their per-item snapshots.
type RunsRepository interface {
	CreateRun(ctx context.Context, run *domain.IngestionRun) error
	UpdateRun(ctx context.Context, run *domain.IngestionRun) error
	GetRun(ctx context.Context, runID string) (*domain.IngestionRun, error)
	ListRuns(ctx context.Context, filter domain.RunListFilter) ([]*domain.IngestionRun, int, error)
}

// MemoryRunsRepository stores runs in memory for local development.
type MemoryRunsRepository struct {
	mu   sync.RWMutex
	runs map[string]*domain.IngestionRun
}

func NewMemoryRunsRepository() *MemoryRunsRepository {
	return &MemoryRunsRepository{
		runs: make(map[string]*domain.IngestionRun),
	}
}

func (r *MemoryRunsRepository) CreateRun(_ context.Context, run *domain.IngestionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *MemoryRunsRepository) UpdateRun(_ context.Context, run *domain.IngestionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; !ok {
		return ErrNotFound
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *MemoryRunsRepository) GetRun(_ context.Context, runID string) (*domain.IngestionRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (r *MemoryRunsRepository) ListRuns(
	_ context.Context,
	filter domain.RunListFilter,
) ([]*domain.IngestionRun, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	runs := make([]*domain.IngestionRun, 0)
	for _, run := range r.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	total := len(runs)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []*domain.IngestionRun{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return runs[start:end], total, nil
}

func cloneRun(run *domain.IngestionRun) *domain.IngestionRun {
	if run == nil {
		return nil
	}
	clone := *run
	clone.Requests = append([]byte(nil), run.Requests...)
	clone.Items = append([]domain.WorkItem(nil), run.Items...)
	return &clone
}
