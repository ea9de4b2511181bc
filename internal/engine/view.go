package engine

import (
	"context"
)

// PlayerSummary is the summary as a player sees it. The type carries no
// acknowledgement counts at all; redaction is a matter of shape, not of
// zeroed fields.
type PlayerSummary struct {
	GroupID     string        `json:"group_id"`
	GeneratedAt string        `json:"generated_at" format:"date-time"`
	Entries     []PlayerEntry `json:"entries"`
}

type PlayerEntry struct {
	TokenID    string            `json:"token_id"`
	TokenName  string            `json:"token_name"`
	Faction    string            `json:"faction,omitempty"`
	Mine       bool              `json:"mine"`
	Conditions []PlayerCondition `json:"conditions"`
}

type PlayerCondition struct {
	Key             string `json:"key"`
	RoundsRemaining int    `json:"rounds_remaining"`
	UrgencyTier     string `json:"urgency_tier" enum:"normal,warning,critical"`
	Acknowledged    bool   `json:"acknowledged"`
}

// MasterSummary additionally exposes per-condition acknowledgement counts
// and token ownership.
type MasterSummary struct {
	GroupID     string        `json:"group_id"`
	GeneratedAt string        `json:"generated_at" format:"date-time"`
	Entries     []MasterEntry `json:"entries"`
}

type MasterEntry struct {
	TokenID    string            `json:"token_id"`
	TokenName  string            `json:"token_name"`
	OwnerID    string            `json:"owner_id"`
	Faction    string            `json:"faction,omitempty"`
	Conditions []MasterCondition `json:"conditions"`
}

type MasterCondition struct {
	Key             string `json:"key"`
	RoundsRemaining int    `json:"rounds_remaining"`
	UrgencyTier     string `json:"urgency_tier" enum:"normal,warning,critical"`
	Acknowledged    bool   `json:"acknowledged"`
	AckCount        int    `json:"ack_count"`
}

// PlayerView hydrates the current summary with the viewer's own
// acknowledgement state.
func (e *Engine) PlayerView(ctx context.Context, groupID, viewerID string) (PlayerSummary, error) {
	if _, err := e.Repo.GetMember(ctx, groupID, viewerID); err != nil {
		return PlayerSummary{}, err
	}
	s, err := e.Current(ctx, groupID)
	if err != nil {
		return PlayerSummary{}, err
	}
	acked, err := e.Repo.ViewerAcknowledgements(ctx, groupID, viewerID, s.GeneratedAt)
	if err != nil {
		return PlayerSummary{}, err
	}
	view := PlayerSummary{GroupID: s.GroupID, GeneratedAt: s.GeneratedAt}
	for _, entry := range s.Entries {
		pe := PlayerEntry{
			TokenID:   entry.TokenID,
			TokenName: entry.TokenName,
			Faction:   entry.Faction,
			Mine:      entry.OwnerID == viewerID,
		}
		for _, c := range entry.Conditions {
			pe.Conditions = append(pe.Conditions, PlayerCondition{
				Key:             c.Key,
				RoundsRemaining: c.RoundsRemaining,
				UrgencyTier:     c.UrgencyTier,
				Acknowledged:    acked[[2]string{entry.TokenID, c.Key}],
			})
		}
		view.Entries = append(view.Entries, pe)
	}
	return view, nil
}

// MasterView hydrates the current summary with group-wide acknowledgement
// counts. Only privileged members may call it.
func (e *Engine) MasterView(ctx context.Context, groupID, viewerID string) (MasterSummary, error) {
	member, err := e.Repo.GetMember(ctx, groupID, viewerID)
	if err != nil {
		return MasterSummary{}, err
	}
	if !member.Privileged() {
		return MasterSummary{}, ForbiddenError{Msg: "acknowledgement counts are visible to the owner and dungeon master only"}
	}
	s, err := e.Current(ctx, groupID)
	if err != nil {
		return MasterSummary{}, err
	}
	counts, err := e.Repo.AcknowledgementCounts(ctx, groupID, s.GeneratedAt)
	if err != nil {
		return MasterSummary{}, err
	}
	acked, err := e.Repo.ViewerAcknowledgements(ctx, groupID, viewerID, s.GeneratedAt)
	if err != nil {
		return MasterSummary{}, err
	}
	view := MasterSummary{GroupID: s.GroupID, GeneratedAt: s.GeneratedAt}
	for _, entry := range s.Entries {
		me := MasterEntry{
			TokenID:   entry.TokenID,
			TokenName: entry.TokenName,
			OwnerID:   entry.OwnerID,
			Faction:   entry.Faction,
		}
		for _, c := range entry.Conditions {
			key := [2]string{entry.TokenID, c.Key}
			me.Conditions = append(me.Conditions, MasterCondition{
				Key:             c.Key,
				RoundsRemaining: c.RoundsRemaining,
				UrgencyTier:     c.UrgencyTier,
				Acknowledged:    acked[key],
				AckCount:        counts[key],
			})
		}
		view.Entries = append(view.Entries, me)
	}
	return view, nil
}

// SummaryFor dispatches on role: privileged viewers get the master surface,
// everyone else the player surface.
func (e *Engine) SummaryFor(ctx context.Context, groupID, viewerID string) (any, error) {
	member, err := e.Repo.GetMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	if member.Privileged() {
		return e.MasterView(ctx, groupID, viewerID)
	}
	return e.PlayerView(ctx, groupID, viewerID)
}
