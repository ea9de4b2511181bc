package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/events"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

// Adjustment reasons recorded in the chronicle.
const (
	ReasonManual   = "manual_adjustment"
	ReasonTurnTick = "turn_tick"
	ReasonExpiry   = "expiry"
)

// Adjustment is one requested timer change. Exactly one of Delta or SetTo
// must be set. ExpectedRounds, when present, guards against acting on a
// stale summary: the adjustment is rejected if the live value moved.
type Adjustment struct {
	TokenID        string         `json:"token_id"`
	ConditionKey   string         `json:"condition_key"`
	Delta          *int           `json:"delta,omitempty"`
	SetTo          *int           `json:"set_to,omitempty"`
	ExpectedRounds *int           `json:"expected_rounds,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

type AdjustmentOutcome struct {
	Event   domain.AdjustmentEvent `json:"event"`
	Removed bool                   `json:"removed"`
}

// ApplyAdjustments applies a batch atomically: either every adjustment lands
// with its chronicle entry, or none do. Within the batch, adjustments to the
// same condition see each other's results. Values clamp to the configured
// maximum; a result at or below zero removes the condition.
func (e *Engine) ApplyAdjustments(ctx context.Context, groupID, actorID string, adjustments []Adjustment) ([]AdjustmentOutcome, error) {
	if len(adjustments) == 0 {
		return nil, validationf("at least one adjustment is required")
	}
	member, err := e.Repo.GetMember(ctx, groupID, actorID)
	if err != nil {
		return nil, err
	}
	if !member.Privileged() {
		return nil, ForbiddenError{Msg: "only the owner or dungeon master may adjust timers"}
	}

	// Resolve current state up front so the batch can be validated before
	// any row is written.
	rounds := map[[2]string]int{}
	names := map[string]string{}
	for _, adj := range adjustments {
		if (adj.Delta == nil) == (adj.SetTo == nil) {
			return nil, validationf("exactly one of delta or set_to is required for %s/%s", adj.TokenID, adj.ConditionKey)
		}
		if _, ok := names[adj.TokenID]; !ok {
			token, err := e.Repo.GetToken(ctx, adj.TokenID)
			if err != nil {
				return nil, err
			}
			if token.GroupID != groupID {
				return nil, repo.ErrNotFound
			}
			names[adj.TokenID] = token.Name
		}
		key := [2]string{adj.TokenID, adj.ConditionKey}
		if _, ok := rounds[key]; !ok {
			cond, err := e.Repo.GetCondition(ctx, adj.TokenID, adj.ConditionKey)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return nil, validationf("no active condition %q on token %q", adj.ConditionKey, adj.TokenID)
				}
				return nil, err
			}
			rounds[key] = cond.RoundsRemaining
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	var outcomes []AdjustmentOutcome
	for _, adj := range adjustments {
		key := [2]string{adj.TokenID, adj.ConditionKey}
		current, live := rounds[key]
		if !live {
			return nil, validationf("condition %q on token %q was removed earlier in this batch", adj.ConditionKey, adj.TokenID)
		}
		if adj.ExpectedRounds != nil && *adj.ExpectedRounds != current {
			return nil, validationf("condition %q on token %q changed underneath you: expected %d rounds, found %d",
				adj.ConditionKey, adj.TokenID, *adj.ExpectedRounds, current)
		}
		next := current
		if adj.Delta != nil {
			next = current + *adj.Delta
		} else {
			next = *adj.SetTo
		}
		if next > e.Config.Timers.MaxDuration {
			next = e.Config.Timers.MaxDuration
		}
		removed := next <= 0
		if removed {
			next = 0
		}

		reason := adj.Reason
		if reason == "" {
			reason = ReasonManual
		}
		switch reason {
		case ReasonManual, ReasonTurnTick, ReasonExpiry:
		default:
			return nil, validationf("unknown adjustment reason %q", reason)
		}
		if removed && reason == ReasonTurnTick {
			reason = ReasonExpiry
		}

		var contextJSON string
		if len(adj.Context) > 0 {
			data, err := json.Marshal(adj.Context)
			if err != nil {
				return nil, fmt.Errorf("marshal adjustment context: %w", err)
			}
			contextJSON = string(data)
		}
		event := domain.AdjustmentEvent{
			ID:             uuid.NewString(),
			GroupID:        groupID,
			TokenID:        adj.TokenID,
			ConditionKey:   adj.ConditionKey,
			PreviousRounds: current,
			NewRounds:      next,
			Delta:          next - current,
			Reason:         reason,
			Summary:        adjustmentSummary(names[adj.TokenID], adj.ConditionKey, current, next, removed),
			ContextJSON:    contextJSON,
			ActorID:        optionalString(actorID),
			RecordedAt:     now,
		}

		if removed {
			if err := e.Repo.RemoveConditionTx(ctx, tx, adj.TokenID, adj.ConditionKey); err != nil {
				return nil, err
			}
			delete(rounds, key)
		} else {
			if err := e.Repo.SetConditionTx(ctx, tx, adj.TokenID, adj.ConditionKey, next); err != nil {
				return nil, err
			}
			rounds[key] = next
		}
		if err := e.Repo.AppendAdjustmentTx(ctx, tx, event); err != nil {
			return nil, err
		}
		err = e.Events.Append(ctx, tx, "adjustment.recorded", groupID, "adjustment", event.ID, actorID, events.EventPayload{
			"token_id":      adj.TokenID,
			"condition_key": adj.ConditionKey,
			"previous":      current,
			"new":           next,
			"reason":        reason,
		})
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, AdjustmentOutcome{Event: event, Removed: removed})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Cache.Invalidate(ctx, groupID)
	return outcomes, nil
}

// TickRound advances one combat round: every active condition in the group
// loses a round, and timers that reach zero expire off the map.
func (e *Engine) TickRound(ctx context.Context, groupID, actorID string) ([]AdjustmentOutcome, error) {
	tokens, err := e.Repo.ListActiveTokens(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var batch []Adjustment
	for _, ts := range tokens {
		for _, c := range ts.Conditions {
			delta := -1
			batch = append(batch, Adjustment{
				TokenID:      c.TokenID,
				ConditionKey: c.ConditionKey,
				Delta:        &delta,
				Reason:       ReasonTurnTick,
			})
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return e.ApplyAdjustments(ctx, groupID, actorID, batch)
}

func adjustmentSummary(tokenName, conditionKey string, prev, next int, removed bool) string {
	if removed {
		return fmt.Sprintf("%s: %s ended after %d rounds", tokenName, conditionKey, prev)
	}
	if next > prev {
		return fmt.Sprintf("%s: %s extended %d -> %d rounds", tokenName, conditionKey, prev, next)
	}
	return fmt.Sprintf("%s: %s reduced %d -> %d rounds", tokenName, conditionKey, prev, next)
}

// TimelineEntry is a chronicle row shaped for a viewer. Non-privileged
// viewers get the generated summary only; the detail fields are reserved
// for the owner and dungeon master.
type TimelineEntry struct {
	ID           string  `json:"id"`
	TokenID      string  `json:"token_id"`
	ConditionKey string  `json:"condition_key,omitempty"`
	Summary      string  `json:"summary"`
	Reason       string  `json:"reason,omitempty"`
	Delta        *int    `json:"delta,omitempty"`
	ActorID      *string `json:"actor_id,omitempty"`
	RecordedAt   string  `json:"recorded_at" format:"date-time"`
}

// Timeline returns the chronicle most-recent-first, redacted for the viewer.
// Everyone reads the generated summaries; reason, delta and actor are
// privileged detail.
func (e *Engine) Timeline(ctx context.Context, groupID, viewerID string, filters repo.AdjustmentFilters) ([]TimelineEntry, error) {
	member, err := e.Repo.GetMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	filters.GroupID = groupID
	rows, err := e.Repo.ListAdjustments(ctx, filters)
	if err != nil {
		return nil, err
	}
	res := make([]TimelineEntry, 0, len(rows))
	for _, row := range rows {
		entry := TimelineEntry{
			ID:         row.ID,
			TokenID:    row.TokenID,
			Summary:    row.Summary,
			RecordedAt: row.RecordedAt,
		}
		if member.Privileged() {
			delta := row.Delta
			entry.ConditionKey = row.ConditionKey
			entry.Reason = row.Reason
			entry.Delta = &delta
			entry.ActorID = row.ActorID
		}
		res = append(res, entry)
	}
	return res, nil
}
