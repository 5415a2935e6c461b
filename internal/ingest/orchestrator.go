// Package ingest runs filing ingestions end to end. Requests expand into
// deduplicated work items, and every item walks the fetch, chunk and index
// stages while progress is streamed to the caller. One bad item never takes
// the run down with it.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/filingsight/ingest-back/internal/chunker"
	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/edgar"
	"github.com/filingsight/ingest-back/internal/extract"
)

// Request pairs a registered company with the filing years to ingest.
type Request struct {
	Company domain.Company
	Years   []int
}

// Indexer lands chunked filings in the vector store.
type Indexer interface {
	IndexChunks(ctx context.Context, chunks []domain.Chunk) (int, error)
}

// Archiver keeps a raw copy of fetched filings. Archive failures never fail
// an item.
type Archiver interface {
	Store(ctx context.Context, filing domain.RawFiling) error
}

// ProgressFunc receives a snapshot of an item after every status change.
type ProgressFunc func(item domain.WorkItem)

type Dependencies struct {
	Fetcher      edgar.Fetcher
	Splitter     *chunker.Splitter
	Indexer      Indexer
	Archiver     Archiver
	YearMin      int
	YearMax      int
	StageTimeout time.Duration
	Logger       *log.Logger
}

type Orchestrator struct {
	fetcher      edgar.Fetcher
	splitter     *chunker.Splitter
	indexer      Indexer
	archiver     Archiver
	yearMin      int
	yearMax      int
	stageTimeout time.Duration
	logger       *log.Logger
}

func New(deps Dependencies) *Orchestrator {
	if deps.YearMin <= 0 {
		deps.YearMin = 2016
	}
	if deps.YearMax <= 0 {
		deps.YearMax = 2024
	}
	if deps.StageTimeout <= 0 {
		deps.StageTimeout = 2 * time.Minute
	}
	if deps.Splitter == nil {
		deps.Splitter = chunker.New(chunker.DefaultChunkSize, chunker.DefaultChunkOverlap)
	}
	return &Orchestrator{
		fetcher:      deps.Fetcher,
		splitter:     deps.Splitter,
		indexer:      deps.Indexer,
		archiver:     deps.Archiver,
		yearMin:      deps.YearMin,
		yearMax:      deps.YearMax,
		stageTimeout: deps.StageTimeout,
		logger:       deps.Logger,
	}
}

// Expand turns requests into pending work items. Companies keep their first
// appearance order and years sort ascending per company. Duplicate
// (ticker, year) pairs collapse into one item. A malformed request rejects
// the whole batch.
func (o *Orchestrator) Expand(requests []Request) ([]domain.WorkItem, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("at least one ingestion request is required: %w", domain.ErrInvalidInput)
	}

	type companyYears struct {
		company domain.Company
		years   []int
	}
	ordered := make([]*companyYears, 0, len(requests))
	byTicker := make(map[string]*companyYears, len(requests))

	for _, request := range requests {
		ticker := strings.ToUpper(strings.TrimSpace(request.Company.Ticker))
		if ticker == "" {
			return nil, fmt.Errorf("ticker is required: %w", domain.ErrInvalidInput)
		}
		if len(request.Years) == 0 {
			return nil, fmt.Errorf("years are required for %s: %w", ticker, domain.ErrInvalidInput)
		}

		entry, ok := byTicker[ticker]
		if !ok {
			company := request.Company
			company.Ticker = ticker
			entry = &companyYears{company: company}
			byTicker[ticker] = entry
			ordered = append(ordered, entry)
		}
		entry.years = append(entry.years, request.Years...)
	}

	items := make([]domain.WorkItem, 0, len(requests))
	for _, entry := range ordered {
		years := append([]int(nil), entry.years...)
		sort.Ints(years)

		seen := make(map[int]struct{}, len(years))
		for _, year := range years {
			if _, duplicate := seen[year]; duplicate {
				continue
			}
			seen[year] = struct{}{}
			items = append(items, domain.WorkItem{
				Company: entry.company,
				Year:    year,
				Status:  domain.ItemStatusPending,
			})
		}
	}
	return items, nil
}

// Run expands requests and processes the resulting items sequentially.
func (o *Orchestrator) Run(ctx context.Context, requests []Request, progress ProgressFunc) (domain.IngestionReport, error) {
	items, err := o.Expand(requests)
	if err != nil {
		return domain.IngestionReport{}, err
	}
	return o.RunItems(ctx, items, progress)
}

// RunItems processes pre-expanded items in order. Cancellation lets the
// stage in flight finish, marks everything not yet done as cancelled and
// returns the context error alongside the report. Item failures stay on the
// item; the run error is reserved for cancellation.
func (o *Orchestrator) RunItems(ctx context.Context, items []domain.WorkItem, progress ProgressFunc) (domain.IngestionReport, error) {
	report := domain.IngestionReport{Items: make([]domain.WorkItem, len(items))}
	copy(report.Items, items)

	for i := range report.Items {
		if ctx.Err() != nil {
			o.markRemainingCancelled(report.Items[i:], progress)
			return report, ctx.Err()
		}
		o.processItem(ctx, &report.Items[i], progress)
	}
	return report, nil
}

func (o *Orchestrator) processItem(ctx context.Context, item *domain.WorkItem, progress ProgressFunc) {
	if item.Status.Terminal() {
		return
	}
	if item.Status != domain.ItemStatusPending {
		// a previous attempt died mid-flight; restart the item cleanly
		item.Status = domain.ItemStatusPending
		item.ErrorKind = ""
		item.ErrorMessage = ""
	}

	if item.Year < o.yearMin || item.Year > o.yearMax {
		o.failItem(item, progress, fmt.Errorf("year %d outside supported range %d-%d: %w",
			item.Year, o.yearMin, o.yearMax, domain.ErrInvalidInput))
		return
	}
	if strings.TrimSpace(item.Company.CIK) == "" {
		o.failItem(item, progress, fmt.Errorf("company %s has no CIK: %w",
			item.Company.Ticker, domain.ErrInvalidInput))
		return
	}

	o.setStatus(item, domain.ItemStatusFetching, progress)
	filing, err := o.fetchStage(ctx, item)
	if err != nil {
		o.failItem(item, progress, err)
		return
	}
	if o.cancelledBetweenStages(ctx, item, progress) {
		return
	}

	o.setStatus(item, domain.ItemStatusChunking, progress)
	chunks := o.splitter.Split(item.Company.Ticker, item.Year, extract.Text(filing.Text))
	item.ChunkCount = len(chunks)
	if len(chunks) == 0 {
		o.logf("ingest: %s %d produced no chunks, nothing to index", item.Company.Ticker, item.Year)
		o.setStatus(item, domain.ItemStatusDone, progress)
		return
	}
	if o.cancelledBetweenStages(ctx, item, progress) {
		return
	}

	o.setStatus(item, domain.ItemStatusEmbedding, progress)
	indexed, err := o.indexStage(ctx, chunks)
	item.IndexedChunks = indexed
	if err != nil {
		o.failItem(item, progress, err)
		return
	}

	o.setStatus(item, domain.ItemStatusDone, progress)
	o.logf("ingest: %s %d done chunks=%d indexed=%d", item.Company.Ticker, item.Year, item.ChunkCount, item.IndexedChunks)
}

func (o *Orchestrator) fetchStage(ctx context.Context, item *domain.WorkItem) (domain.RawFiling, error) {
	stageCtx, cancel := o.stageContext(ctx)
	defer cancel()

	filing, err := o.fetcher.Fetch(stageCtx, item.Company, item.Year)
	if err != nil {
		return domain.RawFiling{}, err
	}

	if o.archiver != nil {
		if archiveErr := o.archiver.Store(stageCtx, filing); archiveErr != nil {
			o.logf("ingest: archive %s %d failed: %v", item.Company.Ticker, item.Year, archiveErr)
		}
	}
	return filing, nil
}

func (o *Orchestrator) indexStage(ctx context.Context, chunks []domain.Chunk) (int, error) {
	stageCtx, cancel := o.stageContext(ctx)
	defer cancel()
	return o.indexer.IndexChunks(stageCtx, chunks)
}

// stageContext detaches a stage from run cancellation so the work in flight
// can finish, while the stage timeout still bounds it.
func (o *Orchestrator) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.stageTimeout)
}

func (o *Orchestrator) cancelledBetweenStages(ctx context.Context, item *domain.WorkItem, progress ProgressFunc) bool {
	if ctx.Err() == nil {
		return false
	}
	o.cancelItem(item, progress)
	return true
}

func (o *Orchestrator) markRemainingCancelled(items []domain.WorkItem, progress ProgressFunc) {
	for i := range items {
		if items[i].Status.Terminal() {
			continue
		}
		o.cancelItem(&items[i], progress)
	}
}

func (o *Orchestrator) cancelItem(item *domain.WorkItem, progress ProgressFunc) {
	item.ErrorKind = domain.KindCancelled
	o.setStatus(item, domain.ItemStatusCancelled, progress)
}

func (o *Orchestrator) failItem(item *domain.WorkItem, progress ProgressFunc, err error) {
	item.ErrorKind = domain.ErrorKind(err)
	item.ErrorMessage = err.Error()
	o.setStatus(item, domain.ItemStatusFailed, progress)
	o.logf("ingest: %s %d failed kind=%s: %v", item.Company.Ticker, item.Year, item.ErrorKind, err)
}

func (o *Orchestrator) setStatus(item *domain.WorkItem, to domain.ItemStatus, progress ProgressFunc) {
	if !domain.CanTransition(item.Status, to) {
		o.logf("ingest: illegal transition %s -> %s for %s %d", item.Status, to, item.Company.Ticker, item.Year)
		return
	}
	item.Status = to
	if progress != nil {
		progress(*item)
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
