package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

// RecordTransfer records a transfer with telemetry.
func (r *InstrumentedHistoryRepository) RecordTransfer(ctx context.Context, record storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_transfer", func(ctx context.Context) error {
		return r.repo.RecordTransfer(ctx, record)
	})
}

// ListHistory lists the history with telemetry.
func (r *InstrumentedHistoryRepository) ListHistory(ctx context.Context, filter storage.HistoryFilter) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_history", func(ctx context.Context) error {
		result, err = r.repo.ListHistory(ctx, filter)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// CountByStatus counts history records with telemetry.
func (r *InstrumentedHistoryRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	var result map[string]int

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "count_by_status", func(ctx context.Context) error {
		result, err = r.repo.CountByStatus(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
