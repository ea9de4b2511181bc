package engine

import (
	"context"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// tierFor derives the urgency tier from rounds remaining.
func (e *Engine) tierFor(rounds int) string {
	switch {
	case rounds <= e.Config.Timers.CriticalAt:
		return domain.TierCritical
	case rounds <= e.Config.Timers.WarningAt:
		return domain.TierWarning
	default:
		return domain.TierNormal
	}
}

// Project recomputes the summary from live token state. The result is a
// derived value; nothing is persisted.
func (e *Engine) Project(ctx context.Context, groupID string) (domain.Summary, error) {
	tokens, err := e.Repo.ListActiveTokens(ctx, groupID)
	if err != nil {
		return domain.Summary{}, err
	}
	s := domain.Summary{GroupID: groupID, GeneratedAt: e.nowRFC3339()}
	for _, ts := range tokens {
		entry := domain.SummaryEntry{
			TokenID:   ts.Token.ID,
			TokenName: ts.Token.Name,
			OwnerID:   ts.Token.OwnerID,
			Faction:   ts.Token.Faction,
		}
		for _, c := range ts.Conditions {
			entry.Conditions = append(entry.Conditions, domain.SummaryCondition{
				Key:             c.ConditionKey,
				RoundsRemaining: c.RoundsRemaining,
				UrgencyTier:     e.tierFor(c.RoundsRemaining),
			})
		}
		s.Entries = append(s.Entries, entry)
	}
	return s, nil
}

// Current serves the cached summary when fresh, projecting on a miss.
func (e *Engine) Current(ctx context.Context, groupID string) (domain.Summary, error) {
	if _, err := e.Repo.GetGroup(ctx, groupID); err != nil {
		return domain.Summary{}, err
	}
	if s, ok := e.Cache.Get(ctx, groupID); ok {
		return s, nil
	}
	s, err := e.Project(ctx, groupID)
	if err != nil {
		return domain.Summary{}, err
	}
	e.Cache.Set(ctx, groupID, s)
	return s, nil
}

// Refresh recomputes the summary, diffs it against the previous cached
// generation, and fans escalations out to group members and webhooks.
// Escalations already flagged within the debounce window are dropped.
func (e *Engine) Refresh(ctx context.Context, groupID string) (domain.Summary, []domain.Escalation, error) {
	group, err := e.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Summary{}, nil, err
	}
	prev, _ := e.Cache.Get(ctx, groupID)
	next, err := e.Project(ctx, groupID)
	if err != nil {
		return domain.Summary{}, nil, err
	}
	escalations := diffEscalations(prev, next)
	escalations = e.debounced(escalations)
	e.pruneDebounce()
	e.Cache.Set(ctx, groupID, next)
	if len(escalations) > 0 {
		e.notifyEscalations(ctx, group, escalations)
		e.deliverWebhooks(ctx, groupID, "condition.escalated", escalations)
	}
	return next, escalations, nil
}

// Invalidate drops the cached summary so the next read reprojects.
func (e *Engine) Invalidate(ctx context.Context, groupID string) {
	e.Cache.Invalidate(ctx, groupID)
}

// diffEscalations compares two generations. A pair escalates when its tier
// strictly increased, or when it is new and already critical.
func diffEscalations(prev, next domain.Summary) []domain.Escalation {
	prevTiers := map[[2]string]string{}
	for _, entry := range prev.Entries {
		for _, c := range entry.Conditions {
			prevTiers[[2]string{entry.TokenID, c.Key}] = c.UrgencyTier
		}
	}
	var res []domain.Escalation
	for _, entry := range next.Entries {
		for _, c := range entry.Conditions {
			before, seen := prevTiers[[2]string{entry.TokenID, c.Key}]
			escalated := false
			if seen {
				escalated = domain.TierRank(c.UrgencyTier) > domain.TierRank(before)
			} else {
				escalated = c.UrgencyTier == domain.TierCritical
			}
			if !escalated {
				continue
			}
			esc := domain.Escalation{
				GroupID:      next.GroupID,
				TokenID:      entry.TokenID,
				TokenName:    entry.TokenName,
				ConditionKey: c.Key,
				NewTier:      c.UrgencyTier,
				Rounds:       c.RoundsRemaining,
			}
			if seen {
				esc.PreviousTier = before
			}
			res = append(res, esc)
		}
	}
	return res
}

// debounced drops escalations whose (group, token, condition) marker fired
// within the configured window and stamps the survivors.
func (e *Engine) debounced(escalations []domain.Escalation) []domain.Escalation {
	if len(escalations) == 0 {
		return escalations
	}
	now := e.now()
	window := e.Config.EscalationDebounce()
	e.mu.Lock()
	defer e.mu.Unlock()
	var res []domain.Escalation
	for _, esc := range escalations {
		key := esc.GroupID + "|" + esc.TokenID + "|" + esc.ConditionKey
		if last, ok := e.debounce[key]; ok && now.Sub(last) < window {
			continue
		}
		e.debounce[key] = now
		res = append(res, esc)
	}
	return res
}

// pruneDebounce evicts stale markers so the map tracks only live windows.
func (e *Engine) pruneDebounce() {
	now := e.now()
	window := e.Config.EscalationDebounce()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, last := range e.debounce {
		if now.Sub(last) >= window {
			delete(e.debounce, key)
		}
	}
}
