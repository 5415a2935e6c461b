package queue

import (
	"context"

	"github.com/filingsight/ingest-back/internal/domain"
)

// Producer sends ingestion runs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives ingestion runs and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
