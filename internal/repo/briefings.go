package repo

import (
	"context"
	"database/sql"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// LatestApprovedBriefing returns the newest completed, moderation-approved
// mentor briefing generated after the given timestamp. since may be empty.
func (r Repo) LatestApprovedBriefing(ctx context.Context, groupID, since string) (domain.MentorBriefing, error) {
	query := `SELECT id,group_id,status,moderation,text,generated_at FROM mentor_briefings
WHERE group_id=? AND status='completed' AND moderation='approved'`
	args := []any{groupID}
	if since != "" {
		query += ` AND generated_at > ?`
		args = append(args, since)
	}
	query += ` ORDER BY generated_at DESC LIMIT 1`
	var b domain.MentorBriefing
	err := r.DB.QueryRowContext(ctx, query, args...).
		Scan(&b.ID, &b.GroupID, &b.Status, &b.Moderation, &b.Text, &b.GeneratedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// InsertBriefing exists for the collaborator boundary: the generative
// subsystem owns these rows, the engine only reads them.
func (r Repo) InsertBriefing(ctx context.Context, b domain.MentorBriefing) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO mentor_briefings(id,group_id,status,moderation,text,generated_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.GroupID, b.Status, b.Moderation, b.Text, b.GeneratedAt)
	return err
}
