package repo

import (
	"context"
	"database/sql"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

const exportColumns = `id,group_id,requested_by,format,visibility_mode,filters_json,status,file_path,failure_reason,retry_attempts,created_at,completed_at`

func scanExport(scan func(dest ...any) error) (domain.ExportRequest, error) {
	var e domain.ExportRequest
	var filters, filePath, failureReason, completedAt sql.NullString
	err := scan(&e.ID, &e.GroupID, &e.RequestedBy, &e.Format, &e.VisibilityMode, &filters, &e.Status, &filePath, &failureReason, &e.RetryAttempts, &e.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if filters.Valid {
		e.FiltersJSON = filters.String
	}
	e.FilePath = nullStringPtr(filePath)
	e.FailureReason = nullStringPtr(failureReason)
	e.CompletedAt = nullStringPtr(completedAt)
	return e, nil
}

func (r Repo) InsertExport(ctx context.Context, e domain.ExportRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO export_requests(`+exportColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.GroupID, e.RequestedBy, e.Format, e.VisibilityMode, nullable(e.FiltersJSON), e.Status,
		nullableStringPtr(e.FilePath), nullableStringPtr(e.FailureReason), e.RetryAttempts, e.CreatedAt, nullableStringPtr(e.CompletedAt))
	return err
}

func (r Repo) GetExport(ctx context.Context, id string) (domain.ExportRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM export_requests WHERE id=?`, id)
	return scanExport(row.Scan)
}

func (r Repo) ListExports(ctx context.Context, groupID string, limit int) ([]domain.ExportRequest, error) {
	query := `SELECT ` + exportColumns + ` FROM export_requests WHERE group_id=? ORDER BY created_at DESC, id DESC`
	args := []any{groupID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExportRequest
	for rows.Next() {
		e, err := scanExport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkExportCompleted(ctx context.Context, id, filePath, completedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE export_requests SET status='completed', file_path=?, failure_reason=NULL, completed_at=? WHERE id=?`,
		filePath, completedAt, id)
	return err
}

// MarkExportFailed records the failure and increments retry_attempts. Every
// processing attempt that fails bumps the counter, including re-runs.
func (r Repo) MarkExportFailed(ctx context.Context, id, reason string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE export_requests SET status='failed', failure_reason=?, retry_attempts=retry_attempts+1 WHERE id=?`,
		reason, id)
	return err
}

// ResetExportPending returns a failed export to pending for a retry.
func (r Repo) ResetExportPending(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE export_requests SET status='pending' WHERE id=? AND status='failed'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
