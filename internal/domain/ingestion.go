package domain

import (
	"encoding/json"
	"time"
)

// Company is a registered issuer. Ticker is the unique handle used by the
// API; CIK is the SEC registry identifier used to locate filings.
type Company struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	CIK    string `json:"cik"`
}

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusFetching  ItemStatus = "fetching"
	ItemStatusChunking  ItemStatus = "chunking"
	ItemStatusEmbedding ItemStatus = "embedding"
	ItemStatusDone      ItemStatus = "done"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusCancelled ItemStatus = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusDone, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the item lifecycle: the forward chain
// pending -> fetching -> chunking -> embedding -> done, a chunking -> done
// shortcut for filings that yield no chunks, and failed/cancelled reachable
// from every non-terminal state. Terminal states have no outgoing edges.
func CanTransition(from, to ItemStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == ItemStatusFailed || to == ItemStatusCancelled {
		return true
	}
	switch from {
	case ItemStatusPending:
		return to == ItemStatusFetching
	case ItemStatusFetching:
		return to == ItemStatusChunking
	case ItemStatusChunking:
		return to == ItemStatusEmbedding || to == ItemStatusDone
	case ItemStatusEmbedding:
		return to == ItemStatusDone
	}
	return false
}

// WorkItem is one (company, year) unit inside an ingestion run. Items are
// serialized whole into run snapshots and API responses.
type WorkItem struct {
	Company       Company    `json:"company"`
	Year          int        `json:"year"`
	Status        ItemStatus `json:"status"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ChunkCount    int        `json:"chunk_count"`
	IndexedChunks int        `json:"indexed_chunks"`
}

// RawFiling is a fetched 10-K document before normalization.
type RawFiling struct {
	Company         Company
	Year            int
	AccessionNumber string
	DocumentName    string
	FiledAt         string
	Text            []byte
}

// Chunk is one overlapping window of a filing's normalized text. Offsets are
// rune positions; (Ticker, Year, Sequence) is the identity used by the index.
type Chunk struct {
	Ticker   string
	Year     int
	Sequence int
	Text     string
	Start    int
	End      int
}

// IngestionRequest is the transport shape accepted by the API and carried on
// queue messages: one ticker with the filing years to ingest.
type IngestionRequest struct {
	Ticker string `json:"ticker"`
	Years  []int  `json:"years"`
}

// IngestionReport is the aggregate outcome of one run.
type IngestionReport struct {
	Items []WorkItem `json:"items"`
}

// Counts tallies items by status.
func (r IngestionReport) Counts() map[ItemStatus]int {
	out := make(map[ItemStatus]int, len(r.Items))
	for _, it := range r.Items {
		out[it.Status]++
	}
	return out
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusDone      RunStatus = "done"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IngestionRun is the persisted lifecycle of one ingestion request batch.
// Items holds the latest per-item snapshot; after the worker finishes it is
// the run's final report.
type IngestionRun struct {
	ID           string
	Status       RunStatus
	Requests     json.RawMessage
	Items        []WorkItem
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	RunID       string          `json:"run_id"`
	Requests    json.RawMessage `json:"requests"`
	Attempt     int             `json:"attempt"`
	RequestedAt time.Time       `json:"requested_at"`
}

// RunListFilter narrows ListRuns.
type RunListFilter struct {
	Status   RunStatus
	Page     int
	PageSize int
}
