package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// LatestEvents returns audit events newest-first.
func (r Repo) LatestEvents(ctx context.Context, limit int, groupID, evtType, entityKind string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if groupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, groupID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	query := `SELECT id,ts,type,COALESCE(group_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GroupID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
