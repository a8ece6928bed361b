package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/model_downloader/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

// RecordTransfer appends one outcome to the history.
func (r *HistoryRepository) RecordTransfer(ctx context.Context, record storage.TransferRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (operation, source, path, status, verification, attempts, bytes, failure, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.Operation, record.Source, record.Path, record.Status, record.Verification,
		record.Attempts, record.Bytes, record.Failure, record.Error, record.CreatedAt.UTC().Format(time.RFC3339),
	)

	return err
}

// ListHistory returns the most recent records first.
func (r *HistoryRepository) ListHistory(ctx context.Context, filter storage.HistoryFilter) ([]storage.TransferRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT id, operation, source, path, status, verification, attempts, bytes, failure, error, created_at FROM transfers`
	args := []any{}

	if filter.Status != "" {
		query += ` WHERE status = ?`

		args = append(args, filter.Status)
	}

	query += ` ORDER BY id DESC LIMIT ?`

	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		var (
			record                      storage.TransferRecord
			path, verification, failure sql.NullString
			errMsg                      sql.NullString
			createdAt                   string
		)

		err := rows.Scan(&record.ID, &record.Operation, &record.Source, &path, &record.Status, &verification,
			&record.Attempts, &record.Bytes, &failure, &errMsg, &createdAt)
		if err != nil {
			return nil, err
		}

		record.Path = path.String
		record.Verification = verification.String
		record.Failure = failure.String
		record.Error = errMsg.String

		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			record.CreatedAt = ts
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// CountByStatus returns the number of records per status.
func (r *HistoryRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transfers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts[status] = count
	}

	return counts, rows.Err()
}
