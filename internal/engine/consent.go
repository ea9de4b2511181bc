package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/events"
)

type ConsentInput struct {
	GroupID    string
	UserID     string
	RecordedBy string
	Action     string
	Visibility string
	Source     string
	Notes      string
}

// RecordConsent appends a consent entry. The log is append-only; changing
// one's mind means recording a newer entry, never editing history.
func (e *Engine) RecordConsent(ctx context.Context, in ConsentInput) (domain.ConsentEntry, error) {
	if _, err := e.Repo.GetMember(ctx, in.GroupID, in.UserID); err != nil {
		return domain.ConsentEntry{}, err
	}
	recorder, err := e.Repo.GetMember(ctx, in.GroupID, in.RecordedBy)
	if err != nil {
		return domain.ConsentEntry{}, err
	}
	// Members record their own consent; privileged members may transcribe a
	// decision given at the table.
	if in.UserID != in.RecordedBy && !recorder.Privileged() {
		return domain.ConsentEntry{}, ForbiddenError{Msg: "players may only record their own consent"}
	}
	switch in.Action {
	case "granted", "revoked":
	default:
		return domain.ConsentEntry{}, validationf("action must be granted or revoked")
	}
	switch in.Visibility {
	case "counts", "details":
	default:
		return domain.ConsentEntry{}, validationf("visibility must be counts or details")
	}

	entry := domain.ConsentEntry{
		ID:         uuid.NewString(),
		GroupID:    in.GroupID,
		UserID:     in.UserID,
		RecordedBy: in.RecordedBy,
		Action:     in.Action,
		Visibility: in.Visibility,
		Source:     in.Source,
		Notes:      in.Notes,
		RecordedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConsentEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AppendConsentTx(ctx, tx, entry); err != nil {
		return domain.ConsentEntry{}, err
	}
	err = e.Events.Append(ctx, tx, "consent.recorded", in.GroupID, "consent", entry.ID, in.RecordedBy, events.EventPayload{
		"user_id":    in.UserID,
		"action":     in.Action,
		"visibility": in.Visibility,
	})
	if err != nil {
		return domain.ConsentEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConsentEntry{}, err
	}
	return entry, nil
}
