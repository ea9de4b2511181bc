package engine

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceReport is the health snapshot for one group's sharing surface.
type MaintenanceReport struct {
	GroupID          string   `json:"group_id"`
	GroupName        string   `json:"group_name"`
	State            string   `json:"state" enum:"ok,needs_attention"`
	LiveShares       int      `json:"live_shares"`
	ExpiringSoon     int      `json:"expiring_soon"`
	NextExpiry       *string  `json:"next_expiry,omitempty" format:"date-time"`
	AccessTotal      int      `json:"access_total"`
	QuietAccessRatio float64  `json:"quiet_access_ratio"`
	PendingConsents  []string `json:"pending_consents,omitempty"`
	Reasons          []string `json:"reasons,omitempty"`
	GeneratedAt      string   `json:"generated_at" format:"date-time"`
}

// MaintenanceSnapshot assembles the report for one group: live share links,
// upcoming expiries, the quiet-hours access ratio over the trailing window,
// and members with no granted consent on record.
func (e *Engine) MaintenanceSnapshot(ctx context.Context, groupID string) (MaintenanceReport, error) {
	group, err := e.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return MaintenanceReport{}, err
	}
	now := e.now()
	report := MaintenanceReport{
		GroupID:     group.ID,
		GroupName:   group.Name,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}

	shares, err := e.Repo.LiveShares(ctx, groupID, now)
	if err != nil {
		return MaintenanceReport{}, err
	}
	report.LiveShares = len(shares)
	for _, s := range shares {
		if s.ExpiresAt == nil {
			continue
		}
		expires, err := time.Parse(time.RFC3339, *s.ExpiresAt)
		if err != nil {
			continue
		}
		if report.NextExpiry == nil || *s.ExpiresAt < *report.NextExpiry {
			exp := *s.ExpiresAt
			report.NextExpiry = &exp
		}
		if expires.Sub(now) <= e.Config.ExpiringSoonLead() {
			report.ExpiringSoon++
		}
	}

	total, quiet, err := e.Repo.ShareAccessStats(ctx, groupID, now.Add(-e.Config.QuietAccessWindow()))
	if err != nil {
		return MaintenanceReport{}, err
	}
	report.AccessTotal = total
	if total > 0 {
		report.QuietAccessRatio = float64(quiet) / float64(total)
	}

	members, err := e.Repo.ListMembers(ctx, groupID)
	if err != nil {
		return MaintenanceReport{}, err
	}
	consents, err := e.Repo.CurrentConsents(ctx, groupID)
	if err != nil {
		return MaintenanceReport{}, err
	}
	for _, m := range members {
		c, ok := consents[m.UserID]
		// no entry at all, or the latest entry withdrew consent
		if !ok || c.Action != "granted" {
			report.PendingConsents = append(report.PendingConsents, m.UserID)
		}
	}

	if report.ExpiringSoon > 0 {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d share link(s) expire within %s", report.ExpiringSoon, e.Config.ExpiringSoonLead()))
	}
	if total > 0 && report.QuietAccessRatio >= e.Config.Maintenance.QuietAccessThreshold {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%.0f%% of share accesses fall in quiet hours", report.QuietAccessRatio*100))
	}
	if len(report.PendingConsents) > 0 {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d member(s) have not granted sharing consent", len(report.PendingConsents)))
	}
	if len(report.Reasons) > 0 {
		report.State = "needs_attention"
	} else {
		report.State = "ok"
	}
	return report, nil
}

// MaintenanceSweep runs the snapshot over every group, logging groups that
// need attention. Used by the scheduler.
func (e *Engine) MaintenanceSweep(ctx context.Context) ([]MaintenanceReport, error) {
	groups, err := e.Repo.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var res []MaintenanceReport
	for _, g := range groups {
		report, err := e.MaintenanceSnapshot(ctx, g.ID)
		if err != nil {
			e.Logger.Error("maintenance snapshot failed", "group", g.ID, "error", err)
			continue
		}
		if report.State != "ok" {
			e.Logger.Warn("group needs attention", "group", g.ID, "reasons", report.Reasons)
		}
		res = append(res, report)
	}
	return res, nil
}
