package server

import (
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
)

type CreateGroupRequest struct {
	Name            string  `json:"name"`
	QuietHoursStart *string `json:"quiet_hours_start,omitempty" example:"22:00"`
	QuietHoursEnd   *string `json:"quiet_hours_end,omitempty" example:"07:00"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"owner,dungeon_master,player"`
}

type UpsertTokenRequest struct {
	Name       string                  `json:"name"`
	OwnerID    string                  `json:"owner_id"`
	Faction    string                  `json:"faction,omitempty"`
	Conditions []TokenConditionRequest `json:"conditions,omitempty"`
}

type TokenConditionRequest struct {
	Key             string `json:"key"`
	RoundsRemaining int    `json:"rounds_remaining"`
}

type RefreshResponse struct {
	Summary     domain.Summary      `json:"summary"`
	Escalations []domain.Escalation `json:"escalations,omitempty"`
}

type AckRequest struct {
	SummaryGeneratedAt string  `json:"summary_generated_at" format:"date-time"`
	Source             string  `json:"source,omitempty" enum:"online,offline"`
	QueuedAt           *string `json:"queued_at,omitempty" format:"date-time"`
}

type AdjustmentsRequest struct {
	Adjustments []engine.Adjustment `json:"adjustments"`
}

type ConsentRequest struct {
	UserID     string `json:"user_id,omitempty"`
	Action     string `json:"action" enum:"granted,revoked"`
	Visibility string `json:"visibility" enum:"counts,details"`
	Source     string `json:"source,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type ShareRequest struct {
	VisibilityMode string  `json:"visibility_mode" enum:"counts,details"`
	ExpiresAt      *string `json:"expires_at,omitempty" format:"date-time"`
	PresetKey      *string `json:"preset_key,omitempty"`
}

type ExportCreateRequest struct {
	Format         string `json:"format" enum:"csv,json"`
	VisibilityMode string `json:"visibility_mode" enum:"counts,details"`
	FiltersJSON    string `json:"filters_json,omitempty"`
}

type WebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}
