package repo

import (
	"context"
	"database/sql"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

const webhookColumns = `id,group_id,url,secret,active,call_count,consecutive_failures,last_triggered_at,last_failed_at,created_at`

func scanWebhook(scan func(dest ...any) error) (domain.Webhook, error) {
	var w domain.Webhook
	var active int
	var lastTriggered, lastFailed sql.NullString
	err := scan(&w.ID, &w.GroupID, &w.URL, &w.Secret, &active, &w.CallCount, &w.ConsecutiveFailures, &lastTriggered, &lastFailed, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Active = active != 0
	w.LastTriggeredAt = nullStringPtr(lastTriggered)
	w.LastFailedAt = nullStringPtr(lastFailed)
	return w, nil
}

func (r Repo) InsertWebhook(ctx context.Context, w domain.Webhook) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhooks(`+webhookColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.GroupID, w.URL, w.Secret, boolToInt(w.Active), w.CallCount, w.ConsecutiveFailures,
		nullableStringPtr(w.LastTriggeredAt), nullableStringPtr(w.LastFailedAt), w.CreatedAt)
	return err
}

func (r Repo) GetWebhook(ctx context.Context, id string) (domain.Webhook, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id=?`, id)
	return scanWebhook(row.Scan)
}

func (r Repo) ListWebhooks(ctx context.Context, groupID string, activeOnly bool) ([]domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE group_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) SetWebhookActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkWebhookDelivered(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET call_count=call_count+1, consecutive_failures=0, last_triggered_at=? WHERE id=?`, at, id)
	return err
}

func (r Repo) MarkWebhookFailed(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET consecutive_failures=consecutive_failures+1, last_failed_at=? WHERE id=?`, at, id)
	return err
}
