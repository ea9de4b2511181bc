package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// Repo wraps the sqlite handle. Mutators that must participate in a caller's
// transaction take a *sql.Tx.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) GetGroup(ctx context.Context, id string) (domain.Group, error) {
	var g domain.Group
	var start, end sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,quiet_hours_start,quiet_hours_end,created_at FROM groups WHERE id=?`, id).
		Scan(&g.ID, &g.Name, &start, &end, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.QuietHoursStart = nullStringPtr(start)
	g.QuietHoursEnd = nullStringPtr(end)
	return g, nil
}

func (r Repo) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,quiet_hours_start,quiet_hours_end,created_at FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Group
	for rows.Next() {
		var g domain.Group
		var start, end sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &start, &end, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.QuietHoursStart = nullStringPtr(start)
		g.QuietHoursEnd = nullStringPtr(end)
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) InsertGroup(ctx context.Context, g domain.Group) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO groups(id,name,quiet_hours_start,quiet_hours_end,created_at) VALUES (?,?,?,?,?)`,
		g.ID, g.Name, nullableStringPtr(g.QuietHoursStart), nullableStringPtr(g.QuietHoursEnd), g.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, groupID, userID string) (domain.GroupMember, error) {
	var m domain.GroupMember
	err := r.DB.QueryRowContext(ctx, `SELECT group_id,user_id,role,joined_at FROM group_members WHERE group_id=? AND user_id=?`, groupID, userID).
		Scan(&m.GroupID, &m.UserID, &m.Role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT group_id,user_id,role,joined_at FROM group_members WHERE group_id=? ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GroupMember
	for rows.Next() {
		var m domain.GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpsertMember(ctx context.Context, m domain.GroupMember) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO group_members(group_id,user_id,role,joined_at) VALUES (?,?,?,?)
ON CONFLICT(group_id,user_id) DO UPDATE SET role=excluded.role`, m.GroupID, m.UserID, m.Role, m.JoinedAt)
	return err
}

// ListActiveTokens returns the group's tokens carrying at least one active
// condition, conditions included.
func (r Repo) ListActiveTokens(ctx context.Context, groupID string) ([]domain.TokenState, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT t.id, t.group_id, t.owner_id, t.name, COALESCE(t.faction,''), c.condition_key, c.rounds_remaining
FROM map_tokens t
JOIN token_conditions c ON c.token_id = t.id
WHERE t.group_id=?
ORDER BY t.name, t.id, c.condition_key`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TokenState
	index := map[string]int{}
	for rows.Next() {
		var (
			id, gid, owner, name, faction, key string
			rounds                             int
		)
		if err := rows.Scan(&id, &gid, &owner, &name, &faction, &key, &rounds); err != nil {
			return nil, err
		}
		i, ok := index[id]
		if !ok {
			res = append(res, domain.TokenState{Token: domain.MapToken{ID: id, GroupID: gid, OwnerID: owner, Name: name, Faction: faction}})
			i = len(res) - 1
			index[id] = i
		}
		res[i].Conditions = append(res[i].Conditions, domain.TokenCondition{TokenID: id, ConditionKey: key, RoundsRemaining: rounds})
	}
	return res, rows.Err()
}

func (r Repo) GetToken(ctx context.Context, tokenID string) (domain.MapToken, error) {
	var t domain.MapToken
	var faction sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,group_id,owner_id,name,faction FROM map_tokens WHERE id=?`, tokenID).
		Scan(&t.ID, &t.GroupID, &t.OwnerID, &t.Name, &faction)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if faction.Valid {
		t.Faction = faction.String
	}
	return t, err
}

func (r Repo) GetCondition(ctx context.Context, tokenID, conditionKey string) (domain.TokenCondition, error) {
	var c domain.TokenCondition
	err := r.DB.QueryRowContext(ctx, `SELECT token_id,condition_key,rounds_remaining FROM token_conditions WHERE token_id=? AND condition_key=?`, tokenID, conditionKey).
		Scan(&c.TokenID, &c.ConditionKey, &c.RoundsRemaining)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) UpsertToken(ctx context.Context, t domain.MapToken) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO map_tokens(id,group_id,owner_id,name,faction) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, name=excluded.name, faction=excluded.faction`,
		t.ID, t.GroupID, t.OwnerID, t.Name, nullable(t.Faction))
	return err
}

func (r Repo) SetConditionTx(ctx context.Context, tx *sql.Tx, tokenID, conditionKey string, rounds int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO token_conditions(token_id,condition_key,rounds_remaining) VALUES (?,?,?)
ON CONFLICT(token_id,condition_key) DO UPDATE SET rounds_remaining=excluded.rounds_remaining`, tokenID, conditionKey, rounds)
	return err
}

func (r Repo) SetCondition(ctx context.Context, tokenID, conditionKey string, rounds int) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO token_conditions(token_id,condition_key,rounds_remaining) VALUES (?,?,?)
ON CONFLICT(token_id,condition_key) DO UPDATE SET rounds_remaining=excluded.rounds_remaining`, tokenID, conditionKey, rounds)
	return err
}

func (r Repo) RemoveConditionTx(ctx context.Context, tx *sql.Tx, tokenID, conditionKey string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM token_conditions WHERE token_id=? AND condition_key=?`, tokenID, conditionKey)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
