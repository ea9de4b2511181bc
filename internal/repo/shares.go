package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

const shareColumns = `id,token,group_id,created_by,expires_at,visibility_mode,preset_key,consent_snapshot_json,access_count,last_accessed_at,revoked_at,created_at`

func scanShare(scan func(dest ...any) error) (domain.Share, error) {
	var s domain.Share
	var expiresAt, presetKey, snapshot, lastAccessed, revokedAt sql.NullString
	err := scan(&s.ID, &s.Token, &s.GroupID, &s.CreatedBy, &expiresAt, &s.VisibilityMode, &presetKey, &snapshot, &s.AccessCount, &lastAccessed, &revokedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ExpiresAt = nullStringPtr(expiresAt)
	s.PresetKey = nullStringPtr(presetKey)
	if snapshot.Valid {
		s.ConsentSnapshot = snapshot.String
	}
	s.LastAccessedAt = nullStringPtr(lastAccessed)
	s.RevokedAt = nullStringPtr(revokedAt)
	return s, nil
}

func (r Repo) InsertShareTx(ctx context.Context, tx *sql.Tx, s domain.Share) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO shares(`+shareColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Token, s.GroupID, s.CreatedBy, nullableStringPtr(s.ExpiresAt), s.VisibilityMode,
		nullableStringPtr(s.PresetKey), nullable(s.ConsentSnapshot), s.AccessCount,
		nullableStringPtr(s.LastAccessedAt), nullableStringPtr(s.RevokedAt), s.CreatedAt)
	return err
}

func (r Repo) GetShare(ctx context.Context, id string) (domain.Share, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE id=?`, id)
	return scanShare(row.Scan)
}

func (r Repo) GetShareByToken(ctx context.Context, token string) (domain.Share, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE token=?`, token)
	return scanShare(row.Scan)
}

func (r Repo) ListShares(ctx context.Context, groupID string) ([]domain.Share, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE group_id=? ORDER BY created_at DESC, id DESC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Share
	for rows.Next() {
		s, err := scanShare(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LiveShares returns non-revoked shares that have not expired as of now.
func (r Repo) LiveShares(ctx context.Context, groupID string, now time.Time) ([]domain.Share, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+shareColumns+` FROM shares
WHERE group_id=? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
ORDER BY created_at DESC, id DESC`, groupID, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Share
	for rows.Next() {
		s, err := scanShare(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) RevokeShare(ctx context.Context, id, revokedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE shares SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, revokedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordShareAccessTx appends the access event and bumps the monotonic
// counter in one transaction. access_count only ever increases.
func (r Repo) RecordShareAccessTx(ctx context.Context, tx *sql.Tx, e domain.ShareAccessEvent) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO share_access_events(id,share_id,event_type,occurred_at,ip_hash,user_agent_hash,user_id,quiet_hour_suppressed,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ShareID, e.EventType, e.OccurredAt, nullableStringPtr(e.IPHash), nullableStringPtr(e.UserAgentHash),
		nullableStringPtr(e.UserID), boolToInt(e.QuietHourSuppressed), nullable(e.MetadataJSON)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE shares SET access_count=access_count+1, last_accessed_at=? WHERE id=?`, e.OccurredAt, e.ShareID)
	return err
}

// ShareAccessStats counts access events and quiet-hour accesses for a group's
// shares within the trailing window starting at since.
func (r Repo) ShareAccessStats(ctx context.Context, groupID string, since time.Time) (total, quiet int, err error) {
	err = r.DB.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(e.quiet_hour_suppressed),0)
FROM share_access_events e
JOIN shares s ON s.id = e.share_id
WHERE s.group_id=? AND e.occurred_at >= ?`, groupID, since.UTC().Format(time.RFC3339)).Scan(&total, &quiet)
	return total, quiet, err
}

func (r Repo) ListShareAccessEvents(ctx context.Context, shareID string, limit int) ([]domain.ShareAccessEvent, error) {
	query := `SELECT id,share_id,event_type,occurred_at,ip_hash,user_agent_hash,user_id,quiet_hour_suppressed,metadata_json
FROM share_access_events WHERE share_id=? ORDER BY occurred_at DESC, id DESC`
	args := []any{shareID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShareAccessEvent
	for rows.Next() {
		var e domain.ShareAccessEvent
		var ipHash, uaHash, userID, metadata sql.NullString
		var suppressed int
		if err := rows.Scan(&e.ID, &e.ShareID, &e.EventType, &e.OccurredAt, &ipHash, &uaHash, &userID, &suppressed, &metadata); err != nil {
			return nil, err
		}
		e.IPHash = nullStringPtr(ipHash)
		e.UserAgentHash = nullStringPtr(uaHash)
		e.UserID = nullStringPtr(userID)
		e.QuietHourSuppressed = suppressed != 0
		if metadata.Valid {
			e.MetadataJSON = metadata.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
