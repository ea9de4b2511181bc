package repo

import (
	"context"
	"database/sql"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// UpsertAcknowledgement inserts the row or, when the same (group, token,
// user, condition) key exists, refreshes it for the new summary generation.
// Concurrent double-submits collapse onto the unique key.
func (r Repo) UpsertAcknowledgementTx(ctx context.Context, tx *sql.Tx, a domain.Acknowledgement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO acknowledgements(group_id,token_id,user_id,condition_key,summary_generated_at,acknowledged_at,source,queued_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(group_id,token_id,user_id,condition_key) DO UPDATE SET
  summary_generated_at=excluded.summary_generated_at,
  acknowledged_at=excluded.acknowledged_at,
  source=excluded.source,
  queued_at=excluded.queued_at`,
		a.GroupID, a.TokenID, a.UserID, a.ConditionKey, a.SummaryGeneratedAt, a.AcknowledgedAt, a.Source, nullableStringPtr(a.QueuedAt))
	return err
}

func (r Repo) GetAcknowledgement(ctx context.Context, groupID, tokenID, userID, conditionKey string) (domain.Acknowledgement, error) {
	var a domain.Acknowledgement
	var queuedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT group_id,token_id,user_id,condition_key,summary_generated_at,acknowledged_at,source,queued_at
FROM acknowledgements WHERE group_id=? AND token_id=? AND user_id=? AND condition_key=?`,
		groupID, tokenID, userID, conditionKey).
		Scan(&a.GroupID, &a.TokenID, &a.UserID, &a.ConditionKey, &a.SummaryGeneratedAt, &a.AcknowledgedAt, &a.Source, &queuedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.QueuedAt = nullStringPtr(queuedAt)
	return a, err
}

// ViewerAcknowledgements returns the (token, condition) pairs the viewer has
// acknowledged for the given summary generation.
func (r Repo) ViewerAcknowledgements(ctx context.Context, groupID, userID, generatedAt string) (map[[2]string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT token_id,condition_key FROM acknowledgements
WHERE group_id=? AND user_id=? AND summary_generated_at=?`, groupID, userID, generatedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[[2]string]bool{}
	for rows.Next() {
		var tokenID, key string
		if err := rows.Scan(&tokenID, &key); err != nil {
			return nil, err
		}
		res[[2]string{tokenID, key}] = true
	}
	return res, rows.Err()
}

// AcknowledgementCounts returns distinct acknowledging user counts per
// (token, condition) pair for the given summary generation.
func (r Repo) AcknowledgementCounts(ctx context.Context, groupID, generatedAt string) (map[[2]string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT token_id,condition_key,COUNT(DISTINCT user_id) FROM acknowledgements
WHERE group_id=? AND summary_generated_at=? GROUP BY token_id,condition_key`, groupID, generatedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[[2]string]int{}
	for rows.Next() {
		var tokenID, key string
		var count int
		if err := rows.Scan(&tokenID, &key, &count); err != nil {
			return nil, err
		}
		res[[2]string{tokenID, key}] = count
	}
	return res, rows.Err()
}
