package repo

import (
	"context"
	"database/sql"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// AppendConsentTx appends a consent log row; the log is insert-only.
func (r Repo) AppendConsentTx(ctx context.Context, tx *sql.Tx, c domain.ConsentEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO consent_log(id,group_id,user_id,recorded_by,action,visibility,source,notes,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.GroupID, c.UserID, c.RecordedBy, c.Action, c.Visibility, nullable(c.Source), nullable(c.Notes), c.RecordedAt)
	return err
}

// CurrentConsents returns the latest consent entry per user for the group.
// Users with no entry are absent from the map.
func (r Repo) CurrentConsents(ctx context.Context, groupID string) (map[string]domain.ConsentEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT c.id,c.group_id,c.user_id,c.recorded_by,c.action,c.visibility,COALESCE(c.source,''),COALESCE(c.notes,''),c.recorded_at
FROM consent_log c
JOIN (
  SELECT user_id, MAX(recorded_at) AS latest FROM consent_log WHERE group_id=? GROUP BY user_id
) last ON last.user_id = c.user_id AND last.latest = c.recorded_at
WHERE c.group_id=?
ORDER BY c.recorded_at DESC`, groupID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.ConsentEntry{}
	for rows.Next() {
		var c domain.ConsentEntry
		if err := rows.Scan(&c.ID, &c.GroupID, &c.UserID, &c.RecordedBy, &c.Action, &c.Visibility, &c.Source, &c.Notes, &c.RecordedAt); err != nil {
			return nil, err
		}
		// Ties on recorded_at keep the first row seen (newest id ordering).
		if _, ok := res[c.UserID]; !ok {
			res[c.UserID] = c
		}
	}
	return res, rows.Err()
}

func (r Repo) ListConsentLog(ctx context.Context, groupID string, limit int) ([]domain.ConsentEntry, error) {
	query := `SELECT id,group_id,user_id,recorded_by,action,visibility,COALESCE(source,''),COALESCE(notes,''),recorded_at
FROM consent_log WHERE group_id=? ORDER BY recorded_at DESC, id DESC`
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
	var res []domain.ConsentEntry
	for rows.Next() {
		var c domain.ConsentEntry
		if err := rows.Scan(&c.ID, &c.GroupID, &c.UserID, &c.RecordedBy, &c.Action, &c.Visibility, &c.Source, &c.Notes, &c.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
