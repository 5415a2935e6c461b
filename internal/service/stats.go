package service

import (
	"context"
	"fmt"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/repository"
	"github.com/filingsight/ingest-back/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	Companies   int          `json:"companies"`
	TotalChunks int          `json:"total_chunks"`
	TotalRuns   int          `json:"total_runs"`
	ActiveRuns  int          `json:"active_runs"`
	LastRun     *LastRunInfo `json:"last_run,omitempty"`
}

// LastRunInfo summarizes the most recently created ingestion run.
type LastRunInfo struct {
	RunID     string           `json:"run_id"`
	Status    domain.RunStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StatsService aggregates counters from the company registry, the runs store
// and the vector index in parallel. Each goroutine writes its own field, so
// no locking is needed around the shared struct.
type StatsService struct {
	companies repository.CompaniesRepository
	runs      repository.RunsRepository
	index     vectorindex.Index
}

func NewStatsService(
	companies repository.CompaniesRepository,
	runs repository.RunsRepository,
	index vectorindex.Index,
) *StatsService {
	return &StatsService{companies: companies, runs: runs, index: index}
}

func (s *StatsService) Snapshot(ctx context.Context) (Stats, error) {
	var stats Stats

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		companies, err := s.companies.ListCompanies(groupCtx)
		if err != nil {
			return fmt.Errorf("count companies: %w", err)
		}
		stats.Companies = len(companies)
		return nil
	})

	group.Go(func() error {
		count, err := s.index.Count(groupCtx, vectorindex.Filter{})
		if err != nil {
			return fmt.Errorf("count chunks: %w", err)
		}
		stats.TotalChunks = count
		return nil
	})

	group.Go(func() error {
		runs, total, err := s.runs.ListRuns(groupCtx, domain.RunListFilter{Page: 1, PageSize: 1})
		if err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		stats.TotalRuns = total
		if len(runs) > 0 {
			stats.LastRun = &LastRunInfo{
				RunID:     runs[0].ID,
				Status:    runs[0].Status,
				UpdatedAt: runs[0].UpdatedAt,
			}
		}
		return nil
	})

	group.Go(func() error {
		active := 0
		for _, status := range []domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning} {
			_, total, err := s.runs.ListRuns(groupCtx, domain.RunListFilter{
				Status:   status,
				Page:     1,
				PageSize: 1,
			})
			if err != nil {
				return fmt.Errorf("count %s runs: %w", status, err)
			}
			active += total
		}
		stats.ActiveRuns = active
		return nil
	})

	if err := group.Wait(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
