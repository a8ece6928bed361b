package storage

import (
	"context"
	"time"
)

// TransferRecord is one row of the transfer history.
type TransferRecord struct {
	ID           int64
	Operation    string // "download", "tree" or "batch"
	Source       string
	Path         string // Relative to the models root
	Status       string
	Verification string
	Attempts     int
	Bytes        int64
	Failure      string
	Error        string
	CreatedAt    time.Time
}

// HistoryFilter narrows a history listing. Zero values match everything.
type HistoryFilter struct {
	Status string
	Limit  int
}

type HistoryReadRepository interface {
	ListHistory(ctx context.Context, filter HistoryFilter) ([]TransferRecord, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type HistoryWriteRepository interface {
	RecordTransfer(ctx context.Context, record TransferRecord) error
}

// HistoryRepository reads and writes the transfer history.
type HistoryRepository interface {
	HistoryReadRepository
	HistoryWriteRepository
}
