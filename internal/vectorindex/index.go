// Package vectorindex stores and searches embedded filing chunks. Three
// implementations share one contract: Qdrant over its REST API, Postgres
// with the pgvector extension, and an in-memory index for development.
package vectorindex

import "context"

// Payload keys present on every indexed chunk.
const (
	PayloadTicker   = "ticker"
	PayloadYear     = "year"
	PayloadSequence = "sequence"
	PayloadContent  = "content"
)

// Record is one chunk ready for indexing. ID is the deterministic chunk key,
// so upserting the same record twice leaves a single point behind.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is one scored search hit. Higher scores are closer.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter narrows searches and counts. Zero values mean no constraint.
type Filter struct {
	Ticker string
	Year   int
}

func (f Filter) empty() bool {
	return f.Ticker == "" && f.Year == 0
}

// Index is the vector store behind the ingestion gateway and search.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Match, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Ping(ctx context.Context) error
}

// PayloadString reads a string payload field, or "" when absent.
func PayloadString(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

// PayloadInt tolerates the numeric types a JSON round trip can produce.
func PayloadInt(payload map[string]any, key string) int {
	switch value := payload[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	}
	return 0
}
