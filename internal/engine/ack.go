package engine

import (
	"context"
	"errors"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/events"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

// AckInput is one acknowledgement submission. Offline submissions carry the
// client-side queue time so the original intent survives the sync delay.
type AckInput struct {
	GroupID            string
	TokenID            string
	UserID             string
	ConditionKey       string
	SummaryGeneratedAt string
	Source             string
	QueuedAt           *string
}

type AckResult struct {
	Acknowledgement domain.Acknowledgement `json:"acknowledgement"`
	Replayed        bool                   `json:"replayed"`
}

// Acknowledge records that the user has seen the condition in the given
// summary generation. Re-submits collapse onto the existing row, so the
// operation is safe to replay from offline queues.
func (e *Engine) Acknowledge(ctx context.Context, in AckInput) (AckResult, error) {
	if _, err := e.Repo.GetMember(ctx, in.GroupID, in.UserID); err != nil {
		return AckResult{}, err
	}
	token, err := e.Repo.GetToken(ctx, in.TokenID)
	if err != nil {
		return AckResult{}, err
	}
	if token.GroupID != in.GroupID {
		return AckResult{}, repo.ErrNotFound
	}
	if _, err := e.Repo.GetCondition(ctx, in.TokenID, in.ConditionKey); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return AckResult{}, validationf("condition %q is no longer active on token %q", in.ConditionKey, in.TokenID)
		}
		return AckResult{}, err
	}
	if in.SummaryGeneratedAt == "" {
		return AckResult{}, validationf("summary_generated_at is required")
	}
	switch in.Source {
	case "":
		in.Source = "online"
	case "online", "offline":
	default:
		return AckResult{}, validationf("source must be online or offline")
	}
	if in.Source == "offline" && in.QueuedAt == nil {
		return AckResult{}, validationf("offline acknowledgements must carry queued_at")
	}

	prior, err := e.Repo.GetAcknowledgement(ctx, in.GroupID, in.TokenID, in.UserID, in.ConditionKey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return AckResult{}, err
	}
	replayed := err == nil && prior.SummaryGeneratedAt == in.SummaryGeneratedAt

	ack := domain.Acknowledgement{
		GroupID:            in.GroupID,
		TokenID:            in.TokenID,
		UserID:             in.UserID,
		ConditionKey:       in.ConditionKey,
		SummaryGeneratedAt: in.SummaryGeneratedAt,
		AcknowledgedAt:     e.nowRFC3339(),
		Source:             in.Source,
		QueuedAt:           in.QueuedAt,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AckResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAcknowledgementTx(ctx, tx, ack); err != nil {
		return AckResult{}, err
	}
	if !replayed {
		err = e.Events.Append(ctx, tx, "acknowledgement.recorded", in.GroupID, "acknowledgement", in.TokenID, in.UserID, events.EventPayload{
			"condition_key":        in.ConditionKey,
			"summary_generated_at": in.SummaryGeneratedAt,
			"source":               in.Source,
		})
		if err != nil {
			return AckResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return AckResult{}, err
	}
	return AckResult{Acknowledgement: ack, Replayed: replayed}, nil
}
