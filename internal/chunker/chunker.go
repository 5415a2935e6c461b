// Package chunker splits normalized filing text into fixed-size overlapping
// windows. Sizes are counted in runes so multi-byte characters in filings
// never split mid-character.
package chunker

import (
	"github.com/filingsight/ingest-back/internal/domain"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 200

// Splitter produces chunks of a fixed character size with a fixed overlap
// between consecutive chunks. The zero value is not usable; construct with New.
type Splitter struct {
	size    int
	overlap int
}

// New builds a Splitter, clamping unusable parameters: a non-positive size
// falls back to DefaultChunkSize, a negative overlap to DefaultChunkOverlap,
// and an overlap that reaches the chunk size to a quarter of it.
func New(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Splitter{size: size, overlap: overlap}
}

// Size reports the configured chunk size in characters.
func (s *Splitter) Size() int { return s.size }

// Overlap reports the configured overlap in characters.
func (s *Splitter) Overlap() int { return s.overlap }

// Split windows text into chunks for one (ticker, year) filing. Empty text
// yields no chunks; text no longer than the chunk size yields exactly one.
// Each chunk records its rune offsets and 0-based sequence number, so joining
// chunk 0 with every later chunk minus its leading overlap reproduces the
// input exactly.
func (s *Splitter) Split(ticker string, year int, text string) []domain.Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	total := len(runes)
	if total <= s.size {
		return []domain.Chunk{{
			Ticker:   ticker,
			Year:     year,
			Sequence: 0,
			Text:     text,
			Start:    0,
			End:      total,
		}}
	}

	step := s.size - s.overlap
	chunks := make([]domain.Chunk, 0, total/step+1)
	for start := 0; start < total; start += step {
		end := start + s.size
		if end > total {
			end = total
		}
		chunks = append(chunks, domain.Chunk{
			Ticker:   ticker,
			Year:     year,
			Sequence: len(chunks),
			Text:     string(runes[start:end]),
			Start:    start,
			End:      end,
		})
		if end == total {
			break
		}
	}
	return chunks
}
