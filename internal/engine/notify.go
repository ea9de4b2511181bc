package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

// Dispatcher delivers one notification on one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// StorageDispatcher persists notifications for in-app delivery and logs the
// channels this deployment has no transport for.
type StorageDispatcher struct {
	Repo   repo.Repo
	Logger *slog.Logger
	Now    func() time.Time
}

func (d *StorageDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	switch n.Channel {
	case "in_app":
		return d.Repo.InsertNotification(ctx, n)
	default:
		// push and email back ends live outside this service.
		d.Logger.Debug("notification channel not wired, dropping", "channel", n.Channel, "user", n.UserID, "kind", n.Kind)
		return nil
	}
}

// notifyEscalations fans escalations out to every group member on each of
// their enabled channels. A quiet window silences push and email; in_app
// still lands so the member's feed stays complete. One member's failure
// never blocks the rest.
func (e *Engine) notifyEscalations(ctx context.Context, group domain.Group, escalations []domain.Escalation) {
	members, err := e.Repo.ListMembers(ctx, group.ID)
	if err != nil {
		e.Logger.Error("list members for escalation fan-out", "group", group.ID, "error", err)
		return
	}
	now := e.now()
	payload, err := json.Marshal(map[string]any{"escalations": escalations})
	if err != nil {
		e.Logger.Error("marshal escalation payload", "group", group.ID, "error", err)
		return
	}
	for _, member := range members {
		prefs, err := e.Repo.GetNotificationPrefs(ctx, member.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			prefs = domain.DefaultNotificationPrefs(member.UserID)
		} else if err != nil {
			e.Logger.Error("load notification prefs", "user", member.UserID, "error", err)
			continue
		}
		quiet := inQuietWindow(now, group.QuietHoursStart, group.QuietHoursEnd) ||
			inQuietWindow(now, prefs.QuietStart, prefs.QuietEnd)
		for _, channel := range enabledChannels(prefs) {
			if quiet && channel != "in_app" {
				e.Logger.Debug("channel suppressed by quiet hours", "group", group.ID, "user", member.UserID, "channel", channel)
				continue
			}
			n := domain.Notification{
				ID:          uuid.NewString(),
				UserID:      member.UserID,
				GroupID:     group.ID,
				Channel:     channel,
				Kind:        "condition.escalated",
				PayloadJSON: string(payload),
				CreatedAt:   now.UTC().Format(time.RFC3339),
			}
			if err := e.Dispatcher.Dispatch(ctx, n); err != nil {
				e.Logger.Error("dispatch escalation", "user", member.UserID, "channel", channel, "error", err)
			}
		}
	}
}

func enabledChannels(p domain.NotificationPrefs) []string {
	var res []string
	if p.InApp {
		res = append(res, "in_app")
	}
	if p.Push {
		res = append(res, "push")
	}
	if p.Email {
		res = append(res, "email")
	}
	return res
}

// inQuietWindow reports whether now falls inside the [start, end) window.
// Times are "HH:MM"; the window may wrap past midnight. A missing or
// malformed bound means no window.
func inQuietWindow(now time.Time, start, end *string) bool {
	if start == nil || end == nil {
		return false
	}
	s, okS := parseMinutes(*start)
	e, okE := parseMinutes(*end)
	if !okS || !okE || s == e {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if s < e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseMinutes(hhmm string) (int, bool) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
