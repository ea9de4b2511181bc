package repo

import (
	"context"
	"database/sql"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// GetNotificationPrefs returns the user's preference record. Callers fall
// back to domain.DefaultNotificationPrefs on ErrNotFound.
func (r Repo) GetNotificationPrefs(ctx context.Context, userID string) (domain.NotificationPrefs, error) {
	var p domain.NotificationPrefs
	var inApp, push, email int
	var quietStart, quietEnd sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,in_app,push,email,quiet_start,quiet_end FROM notification_prefs WHERE user_id=?`, userID).
		Scan(&p.UserID, &inApp, &push, &email, &quietStart, &quietEnd)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.InApp = inApp != 0
	p.Push = push != 0
	p.Email = email != 0
	p.QuietStart = nullStringPtr(quietStart)
	p.QuietEnd = nullStringPtr(quietEnd)
	return p, nil
}

func (r Repo) UpsertNotificationPrefs(ctx context.Context, p domain.NotificationPrefs) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_prefs(user_id,in_app,push,email,quiet_start,quiet_end) VALUES (?,?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET in_app=excluded.in_app, push=excluded.push, email=excluded.email, quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end`,
		p.UserID, boolToInt(p.InApp), boolToInt(p.Push), boolToInt(p.Email), nullableStringPtr(p.QuietStart), nullableStringPtr(p.QuietEnd))
	return err
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,user_id,group_id,channel,kind,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.GroupID, n.Channel, n.Kind, nullable(n.PayloadJSON), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	query := `SELECT id,user_id,group_id,channel,kind,payload_json,created_at FROM notifications WHERE user_id=? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.GroupID, &n.Channel, &n.Kind, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			n.PayloadJSON = payload.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
