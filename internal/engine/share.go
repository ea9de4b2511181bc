package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/events"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

type ShareInput struct {
	GroupID        string
	CreatedBy      string
	VisibilityMode string
	ExpiresAt      *string
	PresetKey      *string
}

// CreatedShare carries the raw link token back to the caller once, at
// creation time. Only the token resolves the share afterwards.
type CreatedShare struct {
	Share domain.Share `json:"share"`
	Token string       `json:"token"`
}

// snapshotConsent is the per-user slice of the consent log. A copy is frozen
// into the share at creation as audit data; redaction decisions always read
// the live log.
type snapshotConsent struct {
	Action     string `json:"action"`
	Visibility string `json:"visibility"`
}

// CreateShare mints a share link over the group's summary. The consent log
// is snapshotted into the share as a record of what members had agreed to
// when the link was created.
func (e *Engine) CreateShare(ctx context.Context, in ShareInput) (CreatedShare, error) {
	member, err := e.Repo.GetMember(ctx, in.GroupID, in.CreatedBy)
	if err != nil {
		return CreatedShare{}, err
	}
	if !member.Privileged() {
		return CreatedShare{}, ForbiddenError{Msg: "only the owner or dungeon master may create share links"}
	}
	switch in.VisibilityMode {
	case "counts", "details":
	default:
		return CreatedShare{}, validationf("visibility_mode must be counts or details")
	}
	if in.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *in.ExpiresAt)
		if err != nil {
			return CreatedShare{}, validationf("expires_at must be RFC 3339")
		}
		if !t.After(e.now()) {
			return CreatedShare{}, validationf("expires_at must be in the future")
		}
	}

	consents, err := e.Repo.CurrentConsents(ctx, in.GroupID)
	if err != nil {
		return CreatedShare{}, err
	}
	snapshot := map[string]snapshotConsent{}
	for userID, c := range consents {
		snapshot[userID] = snapshotConsent{Action: c.Action, Visibility: c.Visibility}
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return CreatedShare{}, fmt.Errorf("marshal consent snapshot: %w", err)
	}

	token, err := newShareToken(e.Config.Shares.TokenBytes)
	if err != nil {
		return CreatedShare{}, err
	}
	share := domain.Share{
		ID:              uuid.NewString(),
		Token:           token,
		GroupID:         in.GroupID,
		CreatedBy:       in.CreatedBy,
		ExpiresAt:       in.ExpiresAt,
		VisibilityMode:  in.VisibilityMode,
		PresetKey:       in.PresetKey,
		ConsentSnapshot: string(snapshotJSON),
		CreatedAt:       e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreatedShare{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertShareTx(ctx, tx, share); err != nil {
		return CreatedShare{}, err
	}
	err = e.Events.Append(ctx, tx, "share.created", in.GroupID, "share", share.ID, in.CreatedBy, events.EventPayload{
		"visibility_mode": in.VisibilityMode,
		"expires_at":      in.ExpiresAt,
	})
	if err != nil {
		return CreatedShare{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreatedShare{}, err
	}
	return CreatedShare{Share: share, Token: token}, nil
}

func newShareToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (e *Engine) RevokeShare(ctx context.Context, groupID, shareID, actorID string) error {
	member, err := e.Repo.GetMember(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !member.Privileged() {
		return ForbiddenError{Msg: "only the owner or dungeon master may revoke share links"}
	}
	share, err := e.Repo.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if share.GroupID != groupID {
		return repo.ErrNotFound
	}
	if err := e.Repo.RevokeShare(ctx, shareID, e.nowRFC3339()); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "share.revoked", groupID, "share", shareID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ShareStatus is a share with its state derived at read time.
type ShareStatus struct {
	domain.Share
	State string `json:"state" enum:"active,expiring_soon,expired,redacted"`
}

func (e *Engine) Shares(ctx context.Context, groupID, viewerID string) ([]ShareStatus, error) {
	member, err := e.Repo.GetMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	if !member.Privileged() {
		return nil, ForbiddenError{Msg: "share links are visible to the owner and dungeon master only"}
	}
	shares, err := e.Repo.ListShares(ctx, groupID)
	if err != nil {
		return nil, err
	}
	res := make([]ShareStatus, 0, len(shares))
	for _, s := range shares {
		res = append(res, ShareStatus{Share: s, State: e.shareState(s, e.now())})
	}
	return res, nil
}

// shareState derives the lifecycle state. Revocation wins over expiry.
func (e *Engine) shareState(s domain.Share, now time.Time) string {
	if s.RevokedAt != nil {
		return domain.ShareStateRedacted
	}
	if s.ExpiresAt != nil {
		expires, err := time.Parse(time.RFC3339, *s.ExpiresAt)
		if err == nil {
			if !expires.After(now) {
				return domain.ShareStateExpired
			}
			if expires.Sub(now) <= e.Config.ExpiringSoonLead() {
				return domain.ShareStateExpiringSoon
			}
		}
	}
	return domain.ShareStateActive
}

// AccessMeta is what the transport layer knows about an anonymous viewer.
// Raw addresses never reach the engine, only hashes.
type AccessMeta struct {
	IPHash        *string
	UserAgentHash *string
	UserID        *string
}

// SharedView is the public projection served to a share link holder.
type SharedView struct {
	State       string        `json:"state" enum:"active,expiring_soon,expired,redacted"`
	GroupName   string        `json:"group_name,omitempty"`
	GeneratedAt string        `json:"generated_at,omitempty" format:"date-time"`
	ExpiresAt   *string       `json:"expires_at,omitempty" format:"date-time"`
	Entries     []SharedEntry   `json:"entries,omitempty"`
	CatchUp     []CatchUpPrompt `json:"catch_up_prompts,omitempty"`
}

// CatchUpPrompt is a short excerpt from the group's mentor briefing, shown
// to a returning visitor so the link reads as a story, not a table.
type CatchUpPrompt struct {
	Excerpt     string `json:"excerpt"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
}

type SharedEntry struct {
	TokenName      string                    `json:"token_name"`
	ConditionCount int                       `json:"condition_count"`
	TierCounts     map[string]int            `json:"tier_counts"`
	Conditions     []domain.SummaryCondition `json:"conditions,omitempty"`
}

// ResolveShare serves the view behind a link token. Every resolution is
// recorded and bumps the access counter, including ones that return an
// expired or redacted view; the audit trail sees what the visitor saw.
func (e *Engine) ResolveShare(ctx context.Context, token string, meta AccessMeta) (SharedView, error) {
	share, err := e.Repo.GetShareByToken(ctx, token)
	if err != nil {
		return SharedView{}, err
	}
	group, err := e.Repo.GetGroup(ctx, share.GroupID)
	if err != nil {
		return SharedView{}, err
	}
	now := e.now()
	state := e.shareState(share, now)
	quiet := inQuietWindow(now, group.QuietHoursStart, group.QuietHoursEnd)

	access := domain.ShareAccessEvent{
		ID:                  uuid.NewString(),
		ShareID:             share.ID,
		EventType:           "view",
		OccurredAt:          now.UTC().Format(time.RFC3339),
		IPHash:              meta.IPHash,
		UserAgentHash:       meta.UserAgentHash,
		UserID:              meta.UserID,
		QuietHourSuppressed: quiet,
		MetadataJSON:        fmt.Sprintf(`{"state":%q}`, state),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SharedView{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RecordShareAccessTx(ctx, tx, access); err != nil {
		return SharedView{}, err
	}
	if err := tx.Commit(); err != nil {
		return SharedView{}, err
	}

	view := SharedView{State: state, ExpiresAt: share.ExpiresAt}
	if state == domain.ShareStateExpired || state == domain.ShareStateRedacted {
		return view, nil
	}

	summary, err := e.Current(ctx, share.GroupID)
	if err != nil {
		return SharedView{}, err
	}
	// redaction follows the live consent log, not the creation-time snapshot;
	// a revoked consent narrows every link immediately
	consents, err := e.Repo.CurrentConsents(ctx, share.GroupID)
	if err != nil {
		return SharedView{}, err
	}
	current := map[string]snapshotConsent{}
	for userID, c := range consents {
		current[userID] = snapshotConsent{Action: c.Action, Visibility: c.Visibility}
	}
	view.GroupName = group.Name
	view.GeneratedAt = summary.GeneratedAt
	for _, entry := range summary.Entries {
		details := effectiveVisibility(share.VisibilityMode, current, entry.OwnerID) == "details"
		se := SharedEntry{
			TokenName:      entry.TokenName,
			ConditionCount: len(entry.Conditions),
			TierCounts:     map[string]int{},
		}
		for _, c := range entry.Conditions {
			se.TierCounts[c.UrgencyTier]++
		}
		if details {
			se.Conditions = entry.Conditions
		}
		view.Entries = append(view.Entries, se)
	}
	since := ""
	if share.LastAccessedAt != nil {
		since = *share.LastAccessedAt
	}
	catchUp, err := e.catchUpPrompts(ctx, share.GroupID, since)
	if err != nil {
		return SharedView{}, err
	}
	view.CatchUp = catchUp
	return view, nil
}

// effectiveVisibility intersects the share's mode with the owner's current
// consent. Counts is the floor: absent or revoked consent never hides a
// token, it only strips detail.
func effectiveVisibility(mode string, consents map[string]snapshotConsent, ownerID string) string {
	if mode != "details" {
		return "counts"
	}
	c, ok := consents[ownerID]
	if !ok || c.Action != "granted" || c.Visibility != "details" {
		return "counts"
	}
	return "details"
}

// catchUpPrompts pulls excerpts from the newest approved mentor briefing
// generated after the share's previous access. A visitor who has seen the
// briefing already gets nothing; a first-time visitor gets the latest one.
func (e *Engine) catchUpPrompts(ctx context.Context, groupID, since string) ([]CatchUpPrompt, error) {
	limit := e.Config.Shares.CatchUpPrompts
	if limit <= 0 {
		return nil, nil
	}
	briefing, err := e.Repo.LatestApprovedBriefing(ctx, groupID, since)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res []CatchUpPrompt
	for _, line := range strings.Split(briefing.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		res = append(res, CatchUpPrompt{Excerpt: line, GeneratedAt: briefing.GeneratedAt})
		if len(res) == limit {
			break
		}
	}
	return res, nil
}
