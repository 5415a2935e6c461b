package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/filingsight/ingest-back/internal/cache"
	"github.com/filingsight/ingest-back/internal/domain"
	"github.com/filingsight/ingest-back/internal/embedding"
	"github.com/filingsight/ingest-back/internal/vectorindex"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// SearchInput narrows a similarity query down to a company or filing year.
// Zero values leave the corresponding dimension unconstrained.
type SearchInput struct {
	Query  string
	Ticker string
	Year   int
	Limit  int
}

// SearchHit is one indexed chunk scored against the query.
type SearchHit struct {
	ID       string  `json:"id"`
	Ticker   string  `json:"ticker"`
	Year     int     `json:"year"`
	Sequence int     `json:"sequence"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

type SearchOutput struct {
	ModelID string
	Cached  bool
	Hits    []SearchHit
}

// SearchConfig wires the search service. DefaultLimit and MaxLimit fall back
// to 5 and 20 when unset.
type SearchConfig struct {
	Embedder     embedding.Embedder
	Index        vectorindex.Index
	Cache        *cache.EmbeddingCache
	Model        string
	DefaultLimit int
	MaxLimit     int
}

// SearchService embeds the query text and runs a similarity search over the
// vector index. Query vectors are cached so repeated questions skip the
// embeddings API.
type SearchService struct {
	embedder     embedding.Embedder
	index        vectorindex.Index
	cache        *cache.EmbeddingCache
	model        string
	defaultLimit int
	maxLimit     int
}

func NewSearchService(config SearchConfig) *SearchService {
	if config.Cache == nil {
		config.Cache = cache.NewEmbeddingCache(cache.Config{})
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaultSearchLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = maxSearchLimit
	}
	return &SearchService{
		embedder:     config.Embedder,
		index:        config.Index,
		cache:        config.Cache,
		model:        config.Model,
		defaultLimit: config.DefaultLimit,
		maxLimit:     config.MaxLimit,
	}
}

func (s *SearchService) Search(ctx context.Context, input SearchInput) (SearchOutput, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return SearchOutput{}, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}

	limit := input.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	vector, modelID, cached, err := s.queryVector(ctx, query)
	if err != nil {
		return SearchOutput{}, err
	}

	filter := vectorindex.Filter{Ticker: NormalizeTicker(input.Ticker), Year: input.Year}
	matches, err := s.index.Search(ctx, vector, limit, filter)
	if err != nil {
		return SearchOutput{}, fmt.Errorf("search index: %w", err)
	}

	hits := make([]SearchHit, 0, len(matches))
	for _, match := range matches {
		hits = append(hits, SearchHit{
			ID:       match.ID,
			Ticker:   vectorindex.PayloadString(match.Payload, vectorindex.PayloadTicker),
			Year:     vectorindex.PayloadInt(match.Payload, vectorindex.PayloadYear),
			Sequence: vectorindex.PayloadInt(match.Payload, vectorindex.PayloadSequence),
			Content:  vectorindex.PayloadString(match.Payload, vectorindex.PayloadContent),
			Score:    match.Score,
		})
	}

	return SearchOutput{ModelID: modelID, Cached: cached, Hits: hits}, nil
}

func (s *SearchService) queryVector(ctx context.Context, query string) ([]float32, string, bool, error) {
	signature := s.cache.BuildSignature(s.model, query)
	if entry, ok := s.cache.Get(signature); ok {
		return entry.Vector, entry.ModelID, true, nil
	}

	result, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, "", false, fmt.Errorf("embed query: %w", err)
	}
	if len(result.Vectors) != 1 {
		return nil, "", false, fmt.Errorf("embedding returned %d vectors for one query", len(result.Vectors))
	}

	s.cache.Set(signature, cache.Entry{
		Vector:  result.Vectors[0],
		ModelID: result.ModelID,
	})
	return result.Vectors[0], result.ModelID, false, nil
}
