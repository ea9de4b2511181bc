package domain

// Urgency tiers order from least to most urgent.
const (
	TierNormal   = "normal"
	TierWarning  = "warning"
	TierCritical = "critical"
)

// TierRank maps a tier name to its position in the ordering.
func TierRank(tier string) int {
	switch tier {
	case TierCritical:
		return 2
	case TierWarning:
		return 1
	default:
		return 0
	}
}

type Group struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	QuietHoursStart *string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string `json:"quiet_hours_end,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type GroupMember struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role" enum:"owner,dungeon_master,player"`
	JoinedAt string `json:"joined_at" format:"date-time"`
}

// Privileged reports whether the member sees unredacted views.
func (m GroupMember) Privileged() bool {
	return m.Role == "owner" || m.Role == "dungeon_master"
}

type MapToken struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Faction string `json:"faction,omitempty"`
}

// TokenCondition is live battle-map state, consumed read-only except by
// the chronicle's adjustment path.
type TokenCondition struct {
	TokenID         string `json:"token_id"`
	ConditionKey    string `json:"condition_key"`
	RoundsRemaining int    `json:"rounds_remaining"`
}

// TokenState pairs a token with its active conditions.
type TokenState struct {
	Token      MapToken         `json:"token"`
	Conditions []TokenCondition `json:"conditions"`
}

// Summary is a derived, recomputable snapshot. It is never persisted.
type Summary struct {
	GroupID     string         `json:"group_id"`
	GeneratedAt string         `json:"generated_at" format:"date-time"`
	Entries     []SummaryEntry `json:"entries"`
}

type SummaryEntry struct {
	TokenID    string             `json:"token_id"`
	TokenName  string             `json:"token_name"`
	OwnerID    string             `json:"owner_id"`
	Faction    string             `json:"faction,omitempty"`
	Conditions []SummaryCondition `json:"conditions"`
}

type SummaryCondition struct {
	Key             string `json:"key"`
	RoundsRemaining int    `json:"rounds_remaining"`
	UrgencyTier     string `json:"urgency_tier" enum:"normal,warning,critical"`
}

// Escalation is a tier increase for a (token, condition) pair between two
// summary generations.
type Escalation struct {
	GroupID      string `json:"group_id"`
	TokenID      string `json:"token_id"`
	TokenName    string `json:"token_name"`
	ConditionKey string `json:"condition_key"`
	PreviousTier string `json:"previous_tier,omitempty"`
	NewTier      string `json:"new_tier"`
	Rounds       int    `json:"rounds_remaining"`
}

type Acknowledgement struct {
	GroupID            string  `json:"group_id"`
	TokenID            string  `json:"token_id"`
	UserID             string  `json:"user_id"`
	ConditionKey       string  `json:"condition_key"`
	SummaryGeneratedAt string  `json:"summary_generated_at" format:"date-time"`
	AcknowledgedAt     string  `json:"acknowledged_at" format:"date-time"`
	Source             string  `json:"source" enum:"online,offline"`
	QueuedAt           *string `json:"queued_at,omitempty" format:"date-time"`
}

// AdjustmentEvent is an immutable chronicle entry. Rows are only ever
// appended; no update or delete path exists.
type AdjustmentEvent struct {
	ID             string  `json:"id"`
	GroupID        string  `json:"group_id"`
	TokenID        string  `json:"token_id"`
	ConditionKey   string  `json:"condition_key"`
	PreviousRounds int     `json:"previous_rounds"`
	NewRounds      int     `json:"new_rounds"`
	Delta          int     `json:"delta"`
	Reason         string  `json:"reason" enum:"manual_adjustment,turn_tick,expiry"`
	Summary        string  `json:"summary"`
	ContextJSON    string  `json:"context_json,omitempty"`
	ActorID        *string `json:"actor_id,omitempty"`
	RecordedAt     string  `json:"recorded_at" format:"date-time"`
}

// ConsentEntry is append-only; the latest entry per user is the current
// consent state.
type ConsentEntry struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	UserID     string `json:"user_id"`
	RecordedBy string `json:"recorded_by"`
	Action     string `json:"action" enum:"granted,revoked"`
	Visibility string `json:"visibility" enum:"counts,details"`
	Source     string `json:"source,omitempty"`
	Notes      string `json:"notes,omitempty"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type Share struct {
	ID              string  `json:"id"`
	Token           string  `json:"-"`
	GroupID         string  `json:"group_id"`
	CreatedBy       string  `json:"created_by"`
	ExpiresAt       *string `json:"expires_at,omitempty" format:"date-time"`
	VisibilityMode  string  `json:"visibility_mode" enum:"counts,details"`
	PresetKey       *string `json:"preset_key,omitempty"`
	ConsentSnapshot string  `json:"consent_snapshot,omitempty"`
	AccessCount     int64   `json:"access_count"`
	LastAccessedAt  *string `json:"last_accessed_at,omitempty" format:"date-time"`
	RevokedAt       *string `json:"revoked_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Share states derived at resolution time.
const (
	ShareStateActive       = "active"
	ShareStateExpiringSoon = "expiring_soon"
	ShareStateExpired      = "expired"
	ShareStateRedacted     = "redacted"
)

type ShareAccessEvent struct {
	ID                  string  `json:"id"`
	ShareID             string  `json:"share_id"`
	EventType           string  `json:"event_type"`
	OccurredAt          string  `json:"occurred_at" format:"date-time"`
	IPHash              *string `json:"ip_hash,omitempty"`
	UserAgentHash       *string `json:"user_agent_hash,omitempty"`
	UserID              *string `json:"user_id,omitempty"`
	QuietHourSuppressed bool    `json:"quiet_hour_suppressed"`
	MetadataJSON        string  `json:"metadata_json,omitempty"`
}

type ExportRequest struct {
	ID             string  `json:"id"`
	GroupID        string  `json:"group_id"`
	RequestedBy    string  `json:"requested_by"`
	Format         string  `json:"format" enum:"csv,json"`
	VisibilityMode string  `json:"visibility_mode" enum:"counts,details"`
	FiltersJSON    string  `json:"filters_json,omitempty"`
	Status         string  `json:"status" enum:"pending,completed,failed"`
	FilePath       *string `json:"file_path,omitempty"`
	FailureReason  *string `json:"failure_reason,omitempty"`
	RetryAttempts  int     `json:"retry_attempts"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

type Webhook struct {
	ID                  string  `json:"id"`
	GroupID             string  `json:"group_id"`
	URL                 string  `json:"url"`
	Secret              string  `json:"-"`
	Active              bool    `json:"active"`
	CallCount           int64   `json:"call_count"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastTriggeredAt     *string `json:"last_triggered_at,omitempty" format:"date-time"`
	LastFailedAt        *string `json:"last_failed_at,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
}

// NotificationPrefs is per-user collaborator data, consumed read-only.
// Quiet hours are "HH:MM" local times; the window may wrap past midnight.
type NotificationPrefs struct {
	UserID     string  `json:"user_id"`
	InApp      bool    `json:"in_app"`
	Push       bool    `json:"push"`
	Email      bool    `json:"email"`
	QuietStart *string `json:"quiet_start,omitempty"`
	QuietEnd   *string `json:"quiet_end,omitempty"`
}

// DefaultNotificationPrefs applies to members without a preference record.
func DefaultNotificationPrefs(userID string) NotificationPrefs {
	return NotificationPrefs{UserID: userID, InApp: true, Email: true}
}

type Notification struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	GroupID     string `json:"group_id"`
	Channel     string `json:"channel" enum:"in_app,push,email"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// MentorBriefing is an opaque record from the generative-text subsystem,
// consumed read-only.
type MentorBriefing struct {
	ID          string `json:"id"`
	GroupID     string `json:"group_id"`
	Status      string `json:"status"`
	Moderation  string `json:"moderation"`
	Text        string `json:"text"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GroupID    string `json:"group_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
