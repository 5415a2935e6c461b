// Package gateway moves chunked filings into the vector index. Chunks are
// embedded in fixed-size batches and upserted under deterministic IDs, so a
// re-run overwrites points instead of duplicating them.
package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/embedding"
	"github.com/filingsight/ingest-back/internal/vectorindex"
)

const (
	DefaultBatchSize = 16

	upsertRetryDelay = 350 * time.Millisecond
)

type Dependencies struct {
	Embedder  embedding.Embedder
	Index     vectorindex.Index
	BatchSize int
	Logger    *log.Logger
}

type Gateway struct {
	embedder  embedding.Embedder
	index     vectorindex.Index
	batchSize int
	logger    *log.Logger
}

func New(deps Dependencies) *Gateway {
	if deps.BatchSize <= 0 {
		deps.BatchSize = DefaultBatchSize
	}
	return &Gateway{
		embedder:  deps.Embedder,
		index:     deps.Index,
		batchSize: deps.BatchSize,
		logger:    deps.Logger,
	}
}

// ChunkID is the index key for a chunk. The same ticker, year and sequence
// always produce the same key.
func ChunkID(chunk domain.Chunk) string {
	return fmt.Sprintf("%s_%d_%d", chunk.Ticker, chunk.Year, chunk.Sequence)
}

// IndexChunks embeds and upserts chunks batch by batch. A failed batch is
// logged and skipped so the remaining batches still land; the returned count
// holds only chunks confirmed in the index, and the error reports how many
// batches were lost.
func (g *Gateway) IndexChunks(ctx context.Context, chunks []domain.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	totalBatches := (len(chunks) + g.batchSize - 1) / g.batchSize
	indexed := 0
	failedBatches := 0
	firstFailedBatch := 0
	var firstFailure error

	for start := 0; start < len(chunks); start += g.batchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}

		end := start + g.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		ordinal := start/g.batchSize + 1

		if err := g.indexBatch(ctx, chunks[start:end]); err != nil {
			failedBatches++
			if firstFailure == nil {
				firstFailure = err
				firstFailedBatch = ordinal
			}
			g.logf("gateway: batch %d/%d failed: %v", ordinal, totalBatches, err)
			continue
		}
		indexed += end - start
	}

	if firstFailure != nil {
		return indexed, fmt.Errorf("indexed %d of %d chunks, %d of %d batches failed, first on batch %d: %w",
			indexed, len(chunks), failedBatches, totalBatches, firstFailedBatch, firstFailure)
	}
	return indexed, nil
}

func (g *Gateway) indexBatch(ctx context.Context, batch []domain.Chunk) error {
	texts := make([]string, 0, len(batch))
	for _, chunk := range batch {
		texts = append(texts, chunk.Text)
	}

	result, err := g.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(result.Vectors) != len(batch) {
		return fmt.Errorf("embedding returned %d vectors for %d chunks", len(result.Vectors), len(batch))
	}

	records := make([]vectorindex.Record, 0, len(batch))
	for i, chunk := range batch {
		records = append(records, vectorindex.Record{
			ID:     ChunkID(chunk),
			Vector: result.Vectors[i],
			Payload: map[string]any{
				vectorindex.PayloadTicker:   chunk.Ticker,
				vectorindex.PayloadYear:     chunk.Year,
				vectorindex.PayloadSequence: chunk.Sequence,
				vectorindex.PayloadContent:  chunk.Text,
			},
		})
	}

	if err := g.upsertWithRetry(ctx, records); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

// upsertWithRetry re-attempts a failed upsert once for transient kinds. The
// embedder handles its own retries, so only the index write needs cover here.
func (g *Gateway) upsertWithRetry(ctx context.Context, records []vectorindex.Record) error {
	err := g.index.Upsert(ctx, records)
	if err == nil {
		return nil
	}
	switch domain.ErrorKind(err) {
	case domain.KindRateLimited, domain.KindUpstreamUnavailable:
	default:
		return err
	}

	select {
	case <-ctx.Done():
		return err
	case <-time.After(upsertRetryDelay):
	}
	return g.index.Upsert(ctx, records)
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
