package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/ingest"
	"github.com/filingsight/ingest-back/internal/queue"
	"github.com/filingsight/ingest-back/internal/repository"
	"github.com/filingsight/ingest-back/internal/service"
)

// Processor consumes queued ingestion runs and drives them through the
// orchestrator, persisting every item transition so run progress is
// observable while the pipeline executes.
type Processor struct {
	consumer     queue.Consumer
	runs         repository.RunsRepository
	orchestrator *ingest.Orchestrator
	registry     *service.CancelRegistry
	logger       *log.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	runs repository.RunsRepository,
	orchestrator *ingest.Orchestrator,
	registry *service.CancelRegistry,
	logger *log.Logger,
) *Processor {
	return &Processor{
		consumer:     consumer,
		runs:         runs,
		orchestrator: orchestrator,
		registry:     registry,
		logger:       logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		if p.logger != nil {
			p.logger.Printf("worker consume loop error: %v", err)
		}

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	run, err := p.runs.GetRun(ctx, message.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", message.RunID, err)
	}

	// A run cancelled before pick-up, or redelivered after completion, is
	// already terminal. Ack without touching it.
	switch run.Status {
	case domain.RunStatusDone, domain.RunStatusFailed, domain.RunStatusCancelled:
		if p.logger != nil {
			p.logger.Printf("run already %s, skipping run_id=%s", run.Status, run.ID)
		}
		return nil
	}

	run.Status = domain.RunStatusRunning
	run.Attempts = message.Attempt + 1
	run.UpdatedAt = time.Now().UTC()
	if err := p.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registry.Register(run.ID, cancel)
	defer p.registry.Unregister(run.ID)

	// Progress and final states must be recorded even after the run context
	// is cancelled, so persistence uses a detached context.
	persistCtx := context.WithoutCancel(ctx)
	progress := func(item domain.WorkItem) {
		applyItemSnapshot(run, item)
		run.UpdatedAt = time.Now().UTC()
		if err := p.runs.UpdateRun(persistCtx, run); err != nil && p.logger != nil {
			p.logger.Printf("persist progress failed run_id=%s: %v", run.ID, err)
		}
	}

	report, runErr := p.orchestrator.RunItems(runCtx, run.Items, progress)
	run.Items = report.Items
	run.Status, run.ErrorMessage = finalRunState(report, runErr)
	run.UpdatedAt = time.Now().UTC()
	if err := p.runs.UpdateRun(persistCtx, run); err != nil {
		return fmt.Errorf("mark %s: %w", run.Status, err)
	}

	if p.logger != nil {
		counts := report.Counts()
		p.logger.Printf(
			"run processed run_id=%s status=%s done=%d failed=%d cancelled=%d",
			run.ID,
			run.Status,
			counts[domain.ItemStatusDone],
			counts[domain.ItemStatusFailed],
			counts[domain.ItemStatusCancelled],
		)
	}

	return nil
}

// applyItemSnapshot replaces the run's copy of the item identified by
// (ticker, year). Expansion guarantees that pair is unique within a run.
func applyItemSnapshot(run *domain.IngestionRun, item domain.WorkItem) {
	for i := range run.Items {
		if run.Items[i].Company.Ticker == item.Company.Ticker && run.Items[i].Year == item.Year {
			run.Items[i] = item
			return
		}
	}
}

// finalRunState folds item outcomes into the run status. Item failures are
// contained: the run still completes unless every item failed. Cancellation
// is terminal for the run, with the already-finished items kept as they
// ended.
func finalRunState(report domain.IngestionReport, runErr error) (domain.RunStatus, string) {
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return domain.RunStatusCancelled, ""
		}
		return domain.RunStatusFailed, runErr.Error()
	}

	counts := report.Counts()
	failed := counts[domain.ItemStatusFailed]
	if failed == 0 {
		return domain.RunStatusDone, ""
	}
	if failed == len(report.Items) {
		return domain.RunStatusFailed, fmt.Sprintf("all %d items failed", failed)
	}
	return domain.RunStatusDone, fmt.Sprintf("%d of %d items failed", failed, len(report.Items))
}
