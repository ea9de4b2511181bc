package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// AppendAdjustmentTx appends one immutable chronicle row. There is no update
// or delete counterpart on purpose.
func (r Repo) AppendAdjustmentTx(ctx context.Context, tx *sql.Tx, a domain.AdjustmentEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO adjustments(id,group_id,token_id,condition_key,previous_rounds,new_rounds,delta,reason,summary,context_json,actor_id,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.GroupID, a.TokenID, a.ConditionKey, a.PreviousRounds, a.NewRounds, a.Delta, a.Reason, a.Summary,
		nullable(a.ContextJSON), nullableStringPtr(a.ActorID), a.RecordedAt)
	return err
}

type AdjustmentFilters struct {
	GroupID      string
	TokenID      string
	ConditionKey string
	Limit        int
}

// ListAdjustments returns chronicle rows most-recent-first.
func (r Repo) ListAdjustments(ctx context.Context, f AdjustmentFilters) ([]domain.AdjustmentEvent, error) {
	clauses := []string{"group_id=?"}
	args := []any{f.GroupID}
	if f.TokenID != "" {
		clauses = append(clauses, "token_id=?")
		args = append(args, f.TokenID)
	}
	if f.ConditionKey != "" {
		clauses = append(clauses, "condition_key=?")
		args = append(args, f.ConditionKey)
	}
	query := `SELECT id,group_id,token_id,condition_key,previous_rounds,new_rounds,delta,reason,summary,context_json,actor_id,recorded_at
FROM adjustments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AdjustmentEvent
	for rows.Next() {
		var a domain.AdjustmentEvent
		var contextJSON, actorID sql.NullString
		if err := rows.Scan(&a.ID, &a.GroupID, &a.TokenID, &a.ConditionKey, &a.PreviousRounds, &a.NewRounds, &a.Delta, &a.Reason, &a.Summary, &contextJSON, &actorID, &a.RecordedAt); err != nil {
			return nil, err
		}
		if contextJSON.Valid {
			a.ContextJSON = contextJSON.String
		}
		a.ActorID = nullStringPtr(actorID)
		res = append(res, a)
	}
	return res, rows.Err()
}
