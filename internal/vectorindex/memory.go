package vectorindex

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// Memory keeps records in process memory for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
	}
}

func (m *Memory) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range records {
		if record.ID == "" {
			return errors.New("record id is required")
		}
		m.records[record.ID] = cloneRecord(record)
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, limit int, filter Filter) ([]Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0)
	for _, record := range m.records {
		if !matchesFilter(record.Payload, filter) {
			continue
		}
		matches = append(matches, Match{
			ID:      record.ID,
			Score:   cosineSimilarity(vector, record.Vector),
			Payload: clonePayload(record.Payload),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *Memory) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if filter.empty() {
		return len(m.records), nil
	}
	count := 0
	for _, record := range m.records {
		if matchesFilter(record.Payload, filter) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}

func cloneRecord(record Record) Record {
	clone := record
	clone.Vector = append([]float32(nil), record.Vector...)
	clone.Payload = clonePayload(record.Payload)
	return clone
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	return out
}

func matchesFilter(payload map[string]any, filter Filter) bool {
	if filter.Ticker != "" {
		ticker, _ := payload[PayloadTicker].(string)
		if ticker != filter.Ticker {
			return false
		}
	}
	if filter.Year != 0 {
		if PayloadInt(payload, PayloadYear) != filter.Year {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
