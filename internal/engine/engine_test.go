package engine_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/cache"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/config"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/db"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/migrate"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Exports.Dir = dir + "/exports"
	eng := engine.New(conn, cfg, cache.NewMemory(cfg.CacheTTL()), nil)
	clock := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

// seedGroup builds a group with a dungeon master and two players, each with
// one token on the map.
func seedGroup(t *testing.T, env testEnv) {
	t.Helper()
	now := env.Clock.Format(time.RFC3339)
	if err := env.Engine.Repo.InsertGroup(env.Ctx, domain.Group{ID: "grp-1", Name: "Test Party", CreatedAt: now}); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	members := []domain.GroupMember{
		{GroupID: "grp-1", UserID: "gm", Role: "dungeon_master", JoinedAt: now},
		{GroupID: "grp-1", UserID: "aria", Role: "player", JoinedAt: now},
		{GroupID: "grp-1", UserID: "brick", Role: "player", JoinedAt: now},
	}
	for _, m := range members {
		if err := env.Engine.Repo.UpsertMember(env.Ctx, m); err != nil {
			t.Fatalf("upsert member %s: %v", m.UserID, err)
		}
	}
	tokens := []domain.MapToken{
		{ID: "tok-aria", GroupID: "grp-1", OwnerID: "aria", Name: "Aria", Faction: "party"},
		{ID: "tok-brick", GroupID: "grp-1", OwnerID: "brick", Name: "Brick", Faction: "party"},
	}
	for _, tok := range tokens {
		if err := env.Engine.Repo.UpsertToken(env.Ctx, tok); err != nil {
			t.Fatalf("upsert token %s: %v", tok.ID, err)
		}
	}
}

func setCondition(t *testing.T, env testEnv, tokenID, key string, rounds int) {
	t.Helper()
	if err := env.Engine.Repo.SetCondition(env.Ctx, tokenID, key, rounds); err != nil {
		t.Fatalf("set condition: %v", err)
	}
	env.Engine.Invalidate(env.Ctx, "grp-1")
}

func adjustSetTo(t *testing.T, env testEnv, tokenID, key string, value int) {
	t.Helper()
	_, err := env.Engine.ApplyAdjustments(env.Ctx, "grp-1", "gm", []engine.Adjustment{
		{TokenID: tokenID, ConditionKey: key, SetTo: &value},
	})
	if err != nil {
		t.Fatalf("adjust %s/%s to %d: %v", tokenID, key, value, err)
	}
}

func TestSummaryTiers(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "blessed", 6)
	setCondition(t, env, "tok-aria", "poisoned", 3)
	setCondition(t, env, "tok-brick", "stunned", 1)

	s, err := env.Engine.Project(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	tiers := map[string]string{}
	for _, entry := range s.Entries {
		for _, c := range entry.Conditions {
			tiers[c.Key] = c.UrgencyTier
		}
	}
	if tiers["blessed"] != "normal" || tiers["poisoned"] != "warning" || tiers["stunned"] != "critical" {
		t.Fatalf("unexpected tiers: %v", tiers)
	}
	if s.GeneratedAt == "" {
		t.Fatalf("expected generated_at")
	}
}

func TestRefreshEmitsSingleEscalation(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 6)
	if _, escs, err := env.Engine.Refresh(env.Ctx, "grp-1"); err != nil || len(escs) != 0 {
		t.Fatalf("first refresh: escalations=%v err=%v", escs, err)
	}

	adjustSetTo(t, env, "tok-aria", "poisoned", 2)
	_, escs, err := env.Engine.Refresh(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected exactly one escalation, got %d", len(escs))
	}
	if escs[0].ConditionKey != "poisoned" || escs[0].NewTier != "critical" {
		t.Fatalf("unexpected escalation: %+v", escs[0])
	}

	// same state again, nothing new
	_, escs, err = env.Engine.Refresh(env.Ctx, "grp-1")
	if err != nil || len(escs) != 0 {
		t.Fatalf("steady refresh: escalations=%v err=%v", escs, err)
	}
}

func TestEscalationDebounce(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 2)

	_, escs, err := env.Engine.Refresh(env.Ctx, "grp-1")
	if err != nil || len(escs) != 1 {
		t.Fatalf("first refresh: escalations=%v err=%v", escs, err)
	}

	// cache dropped, so the critical pair looks new again; the debounce
	// marker must still suppress it inside the window
	env.Engine.Invalidate(env.Ctx, "grp-1")
	_, escs, err = env.Engine.Refresh(env.Ctx, "grp-1")
	if err != nil || len(escs) != 0 {
		t.Fatalf("debounced refresh: escalations=%v err=%v", escs, err)
	}

	// outside the window it fires again
	*env.Clock = env.Clock.Add(env.Engine.Config.EscalationDebounce() + time.Second)
	env.Engine.Invalidate(env.Ctx, "grp-1")
	_, escs, err = env.Engine.Refresh(env.Ctx, "grp-1")
	if err != nil || len(escs) != 1 {
		t.Fatalf("post-window refresh: escalations=%v err=%v", escs, err)
	}
}

type recordingDispatcher struct {
	notes []domain.Notification
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	d.notes = append(d.notes, n)
	return nil
}

func TestEscalationNotificationsAndQuietPrefs(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	rec := &recordingDispatcher{}
	env.Engine.Dispatcher = rec
	quietStart, quietEnd := "00:00", "23:59"
	err := env.Engine.Repo.UpsertNotificationPrefs(env.Ctx, domain.NotificationPrefs{
		UserID: "brick", InApp: true, Push: true, QuietStart: &quietStart, QuietEnd: &quietEnd,
	})
	if err != nil {
		t.Fatalf("upsert prefs: %v", err)
	}
	setCondition(t, env, "tok-aria", "poisoned", 1)
	if _, escs, err := env.Engine.Refresh(env.Ctx, "grp-1"); err != nil || len(escs) != 1 {
		t.Fatalf("refresh: escalations=%v err=%v", escs, err)
	}

	byUser := map[string][]string{}
	for _, n := range rec.notes {
		if n.Kind != "condition.escalated" {
			t.Fatalf("unexpected notification kind: %+v", n)
		}
		byUser[n.UserID] = append(byUser[n.UserID], n.Channel)
	}
	// default prefs, no quiet window
	if got := byUser["aria"]; len(got) != 2 || got[0] != "in_app" || got[1] != "email" {
		t.Fatalf("unexpected channels for aria: %v", got)
	}
	// quiet hours silence push but in_app still lands
	if got := byUser["brick"]; len(got) != 1 || got[0] != "in_app" {
		t.Fatalf("expected in_app only for brick during quiet hours, got %v", got)
	}
}

func TestQuietHoursInAppStillDelivers(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	quietStart, quietEnd := "00:00", "23:59"
	err := env.Engine.Repo.UpsertNotificationPrefs(env.Ctx, domain.NotificationPrefs{
		UserID: "brick", InApp: true, Push: true, QuietStart: &quietStart, QuietEnd: &quietEnd,
	})
	if err != nil {
		t.Fatalf("upsert prefs: %v", err)
	}
	setCondition(t, env, "tok-aria", "poisoned", 1)
	if _, escs, err := env.Engine.Refresh(env.Ctx, "grp-1"); err != nil || len(escs) != 1 {
		t.Fatalf("refresh: escalations=%v err=%v", escs, err)
	}
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "brick", 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Channel != "in_app" {
		t.Fatalf("expected one stored in_app notification during quiet hours, got %+v", notes)
	}
}

func TestAcknowledgeReplay(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)
	s, err := env.Engine.Current(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}

	in := engine.AckInput{
		GroupID:            "grp-1",
		TokenID:            "tok-aria",
		UserID:             "brick",
		ConditionKey:       "poisoned",
		SummaryGeneratedAt: s.GeneratedAt,
	}
	first, err := env.Engine.Acknowledge(env.Ctx, in)
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first ack must not be a replay")
	}
	second, err := env.Engine.Acknowledge(env.Ctx, in)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay on re-submit")
	}

	var events int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM events WHERE type='acknowledgement.recorded'`)
	if err := row.Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected one recorded event, got %d", events)
	}
}

func TestAcknowledgeRejectsInactiveCondition(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	_, err := env.Engine.Acknowledge(env.Ctx, engine.AckInput{
		GroupID:            "grp-1",
		TokenID:            "tok-aria",
		UserID:             "brick",
		ConditionKey:       "poisoned",
		SummaryGeneratedAt: env.Clock.Format(time.RFC3339),
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOfflineAckRequiresQueuedAt(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)
	_, err := env.Engine.Acknowledge(env.Ctx, engine.AckInput{
		GroupID:            "grp-1",
		TokenID:            "tok-aria",
		UserID:             "brick",
		ConditionKey:       "poisoned",
		SummaryGeneratedAt: env.Clock.Format(time.RFC3339),
		Source:             "offline",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMasterAndPlayerViews(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)
	s, err := env.Engine.Current(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	_, err = env.Engine.Acknowledge(env.Ctx, engine.AckInput{
		GroupID: "grp-1", TokenID: "tok-aria", UserID: "brick",
		ConditionKey: "poisoned", SummaryGeneratedAt: s.GeneratedAt,
	})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}

	master, err := env.Engine.MasterView(env.Ctx, "grp-1", "gm")
	if err != nil {
		t.Fatalf("master view: %v", err)
	}
	if len(master.Entries) != 1 || master.Entries[0].Conditions[0].AckCount != 1 {
		t.Fatalf("expected ack count 1, got %+v", master.Entries)
	}
	if master.Entries[0].OwnerID != "aria" {
		t.Fatalf("master view must expose ownership")
	}

	if _, err := env.Engine.MasterView(env.Ctx, "grp-1", "brick"); err == nil {
		t.Fatalf("player must not get the master view")
	}

	player, err := env.Engine.PlayerView(env.Ctx, "grp-1", "brick")
	if err != nil {
		t.Fatalf("player view: %v", err)
	}
	if !player.Entries[0].Conditions[0].Acknowledged {
		t.Fatalf("expected viewer's own ack flag")
	}
	if player.Entries[0].Mine {
		t.Fatalf("tok-aria is not brick's token")
	}
}

func TestAdjustmentBatchSemantics(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)

	up, down := 2, -5
	outcomes, err := env.Engine.ApplyAdjustments(env.Ctx, "grp-1", "gm", []engine.Adjustment{
		{TokenID: "tok-aria", ConditionKey: "poisoned", Delta: &up},
		{TokenID: "tok-aria", ConditionKey: "poisoned", Delta: &down},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected two outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Event.NewRounds != 5 || outcomes[0].Removed {
		t.Fatalf("first outcome should land at 5: %+v", outcomes[0])
	}
	if !outcomes[1].Removed || outcomes[1].Event.PreviousRounds != 5 {
		t.Fatalf("second outcome should remove from 5: %+v", outcomes[1])
	}
	if _, err := env.Engine.Repo.GetCondition(env.Ctx, "tok-aria", "poisoned"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("condition should be gone, got %v", err)
	}
}

func TestAdjustmentClampAndStaleGuard(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "blessed", 6)

	huge := 99
	outcomes, err := env.Engine.ApplyAdjustments(env.Ctx, "grp-1", "gm", []engine.Adjustment{
		{TokenID: "tok-aria", ConditionKey: "blessed", SetTo: &huge},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := outcomes[0].Event.NewRounds; got != env.Engine.Config.Timers.MaxDuration {
		t.Fatalf("expected clamp to %d, got %d", env.Engine.Config.Timers.MaxDuration, got)
	}

	stale, set := 6, 10
	_, err = env.Engine.ApplyAdjustments(env.Ctx, "grp-1", "gm", []engine.Adjustment{
		{TokenID: "tok-aria", ConditionKey: "blessed", SetTo: &set, ExpectedRounds: &stale},
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected stale guard rejection, got %v", err)
	}
}

func TestAdjustmentRequiresPrivilege(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "blessed", 6)
	delta := -1
	_, err := env.Engine.ApplyAdjustments(env.Ctx, "grp-1", "aria", []engine.Adjustment{
		{TokenID: "tok-aria", ConditionKey: "blessed", Delta: &delta},
	})
	var ferr engine.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestTickRoundExpiry(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "blessed", 6)
	setCondition(t, env, "tok-brick", "stunned", 1)

	outcomes, err := env.Engine.TickRound(env.Ctx, "grp-1", "gm")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	byKey := map[string]engine.AdjustmentOutcome{}
	for _, o := range outcomes {
		byKey[o.Event.ConditionKey] = o
	}
	if o := byKey["blessed"]; o.Removed || o.Event.NewRounds != 5 || o.Event.Reason != engine.ReasonTurnTick {
		t.Fatalf("unexpected blessed outcome: %+v", o)
	}
	if o := byKey["stunned"]; !o.Removed || o.Event.Reason != engine.ReasonExpiry {
		t.Fatalf("expected stunned to expire: %+v", o)
	}
}

func TestTimelineRedaction(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)
	setCondition(t, env, "tok-brick", "stunned", 4)
	adjustSetTo(t, env, "tok-aria", "poisoned", 2)
	adjustSetTo(t, env, "tok-brick", "stunned", 3)

	full, err := env.Engine.Timeline(env.Ctx, "grp-1", "gm", repo.AdjustmentFilters{})
	if err != nil {
		t.Fatalf("gm timeline: %v", err)
	}
	for _, entry := range full {
		if entry.ConditionKey == "" || entry.Delta == nil || entry.ActorID == nil {
			t.Fatalf("gm must see full entries: %+v", entry)
		}
	}

	redacted, err := env.Engine.Timeline(env.Ctx, "grp-1", "aria", repo.AdjustmentFilters{})
	if err != nil {
		t.Fatalf("player timeline: %v", err)
	}
	if len(redacted) != len(full) {
		t.Fatalf("players see every entry: %d vs %d", len(redacted), len(full))
	}
	for _, entry := range redacted {
		if entry.Summary == "" {
			t.Fatalf("players get the generated summary: %+v", entry)
		}
		if entry.ConditionKey != "" || entry.Reason != "" || entry.Delta != nil || entry.ActorID != nil {
			t.Fatalf("detail fields are privileged, even for own tokens: %+v", entry)
		}
	}
}

func TestConsentRecording(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)

	_, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "brick", RecordedBy: "aria",
		Action: "granted", Visibility: "details",
	})
	var ferr engine.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("players may not record for others, got %v", err)
	}

	if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "brick", RecordedBy: "gm",
		Action: "granted", Visibility: "details", Source: "table",
	}); err != nil {
		t.Fatalf("dm transcription: %v", err)
	}
	if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "brick", RecordedBy: "brick",
		Action: "revoked", Visibility: "counts",
	}); err != nil {
		t.Fatalf("self record: %v", err)
	}

	consents, err := env.Engine.Repo.CurrentConsents(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("current consents: %v", err)
	}
	if c := consents["brick"]; c.Action != "revoked" {
		t.Fatalf("latest entry must win, got %+v", c)
	}
	log, err := env.Engine.Repo.ListConsentLog(env.Ctx, "grp-1", 0)
	if err != nil {
		t.Fatalf("consent log: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("log is append-only, expected 2 entries, got %d", len(log))
	}
}

func TestShareRedactionTracksCurrentConsent(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)
	setCondition(t, env, "tok-brick", "stunned", 4)

	// aria grants detail visibility before the link exists; brick never does
	if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "aria", RecordedBy: "aria",
		Action: "granted", Visibility: "details",
	}); err != nil {
		t.Fatalf("consent: %v", err)
	}

	created, err := env.Engine.CreateShare(env.Ctx, engine.ShareInput{
		GroupID: "grp-1", CreatedBy: "gm", VisibilityMode: "details",
	})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	view, err := env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if view.State != domain.ShareStateActive {
		t.Fatalf("expected active, got %s", view.State)
	}
	byName := map[string]engine.SharedEntry{}
	for _, entry := range view.Entries {
		byName[entry.TokenName] = entry
	}
	if len(byName["Aria"].Conditions) == 0 {
		t.Fatalf("consented token should expose details")
	}
	if len(byName["Brick"].Conditions) != 0 {
		t.Fatalf("unconsented token must stay at counts")
	}
	if byName["Brick"].ConditionCount != 1 {
		t.Fatalf("counts are the floor, never omission: %+v", byName["Brick"])
	}

	// revoking consent narrows every live link at once
	if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "aria", RecordedBy: "aria",
		Action: "revoked", Visibility: "details",
	}); err != nil {
		t.Fatalf("revoke consent: %v", err)
	}
	view, err = env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	for _, entry := range view.Entries {
		if entry.TokenName == "Aria" && len(entry.Conditions) != 0 {
			t.Fatalf("revoked consent must strip detail from live links: %+v", entry)
		}
	}

	// consent given after creation widens the link the same way
	if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "brick", RecordedBy: "brick",
		Action: "granted", Visibility: "details",
	}); err != nil {
		t.Fatalf("late consent: %v", err)
	}
	view, err = env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	byName = map[string]engine.SharedEntry{}
	for _, entry := range view.Entries {
		byName[entry.TokenName] = entry
	}
	if len(byName["Brick"].Conditions) == 0 {
		t.Fatalf("newly granted consent must expose detail: %+v", byName["Brick"])
	}
}

func TestShareCatchUpPrompts(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)

	older := env.Clock.Add(-time.Hour).Format(time.RFC3339)
	if err := env.Engine.Repo.InsertBriefing(env.Ctx, domain.MentorBriefing{
		ID: "brf-1", GroupID: "grp-1", Status: "completed", Moderation: "approved",
		Text:        "line one\nline two\nline three\nline four",
		GeneratedAt: older,
	}); err != nil {
		t.Fatalf("insert briefing: %v", err)
	}

	created, err := env.Engine.CreateShare(env.Ctx, engine.ShareInput{
		GroupID: "grp-1", CreatedBy: "gm", VisibilityMode: "counts",
	})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	view, err := env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(view.CatchUp) != 3 {
		t.Fatalf("expected prompts capped at 3, got %d", len(view.CatchUp))
	}
	if view.CatchUp[0].Excerpt != "line one" || view.CatchUp[0].GeneratedAt != older {
		t.Fatalf("unexpected first prompt: %+v", view.CatchUp[0])
	}

	// a returning visitor has seen this briefing already
	view, err = env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(view.CatchUp) != 0 {
		t.Fatalf("stale briefing must not repeat: %+v", view.CatchUp)
	}

	// a newer briefing surfaces again, but only once approved
	newer := env.Clock.Add(30 * time.Minute).Format(time.RFC3339)
	if err := env.Engine.Repo.InsertBriefing(env.Ctx, domain.MentorBriefing{
		ID: "brf-2", GroupID: "grp-1", Status: "completed", Moderation: "pending",
		Text: "not yet reviewed", GeneratedAt: newer,
	}); err != nil {
		t.Fatalf("insert pending briefing: %v", err)
	}
	if err := env.Engine.Repo.InsertBriefing(env.Ctx, domain.MentorBriefing{
		ID: "brf-3", GroupID: "grp-1", Status: "completed", Moderation: "approved",
		Text: "the tide turned", GeneratedAt: newer,
	}); err != nil {
		t.Fatalf("insert approved briefing: %v", err)
	}
	*env.Clock = env.Clock.Add(time.Hour)
	view, err = env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	if len(view.CatchUp) != 1 || view.CatchUp[0].Excerpt != "the tide turned" {
		t.Fatalf("expected the new approved briefing, got %+v", view.CatchUp)
	}
}

func TestShareLifecycleAndAccessCounter(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)

	expires := env.Clock.Add(2 * time.Hour).Format(time.RFC3339)
	created, err := env.Engine.CreateShare(env.Ctx, engine.ShareInput{
		GroupID: "grp-1", CreatedBy: "gm", VisibilityMode: "counts", ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	if _, err := env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// expired links answer with the state and are still audited
	*env.Clock = env.Clock.Add(3 * time.Hour)
	view, err := env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("expired resolve: %v", err)
	}
	if view.State != domain.ShareStateExpired || len(view.Entries) != 0 {
		t.Fatalf("expected bare expired view, got %+v", view)
	}

	share, err := env.Engine.Repo.GetShare(env.Ctx, created.Share.ID)
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if share.AccessCount != 2 {
		t.Fatalf("every resolution counts, got %d", share.AccessCount)
	}
	accesses, err := env.Engine.Repo.ListShareAccessEvents(env.Ctx, created.Share.ID, 0)
	if err != nil {
		t.Fatalf("list accesses: %v", err)
	}
	if len(accesses) != 2 {
		t.Fatalf("expected 2 access events, got %d", len(accesses))
	}

	if err := env.Engine.RevokeShare(env.Ctx, "grp-1", created.Share.ID, "gm"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	view, err = env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{})
	if err != nil {
		t.Fatalf("revoked resolve: %v", err)
	}
	if view.State != domain.ShareStateRedacted {
		t.Fatalf("expected redacted, got %s", view.State)
	}
}

func TestShareQuietHourFlag(t *testing.T) {
	env := newTestEnv(t)
	now := env.Clock.Format(time.RFC3339)
	quietStart, quietEnd := "11:00", "13:00"
	err := env.Engine.Repo.InsertGroup(env.Ctx, domain.Group{
		ID: "grp-1", Name: "Quiet Party", CreatedAt: now,
		QuietHoursStart: &quietStart, QuietHoursEnd: &quietEnd,
	})
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
	if err := env.Engine.Repo.UpsertMember(env.Ctx, domain.GroupMember{GroupID: "grp-1", UserID: "gm", Role: "owner", JoinedAt: now}); err != nil {
		t.Fatalf("member: %v", err)
	}

	created, err := env.Engine.CreateShare(env.Ctx, engine.ShareInput{
		GroupID: "grp-1", CreatedBy: "gm", VisibilityMode: "counts",
	})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	// 12:00 falls inside the window, 14:00 outside
	if _, err := env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	*env.Clock = env.Clock.Add(2 * time.Hour)
	if _, err := env.Engine.ResolveShare(env.Ctx, created.Token, engine.AccessMeta{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	accesses, err := env.Engine.Repo.ListShareAccessEvents(env.Ctx, created.Share.ID, 0)
	if err != nil {
		t.Fatalf("list accesses: %v", err)
	}
	suppressed := 0
	for _, a := range accesses {
		if a.QuietHourSuppressed {
			suppressed++
		}
	}
	if suppressed != 1 {
		t.Fatalf("expected one quiet-hour access, got %d of %d", suppressed, len(accesses))
	}
}

func TestShareRequiresPrivilege(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	_, err := env.Engine.CreateShare(env.Ctx, engine.ShareInput{
		GroupID: "grp-1", CreatedBy: "aria", VisibilityMode: "counts",
	})
	var ferr engine.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.Shares(env.Ctx, "grp-1", "aria"); !errors.As(err, &ferr) {
		t.Fatalf("share listing must be privileged, got %v", err)
	}
}

func TestExportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)

	req, err := env.Engine.RequestExport(env.Ctx, engine.ExportInput{
		GroupID: "grp-1", RequestedBy: "gm", Format: "json", VisibilityMode: "counts",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != "pending" {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	if err := env.Engine.ProcessExport(env.Ctx, req.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	done, err := env.Engine.Repo.GetExport(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	if done.Status != "completed" || done.FilePath == nil {
		t.Fatalf("expected completed export, got %+v", done)
	}
	if _, err := os.Stat(*done.FilePath); err != nil {
		t.Fatalf("export file missing: %v", err)
	}

	// the requester hears about the completion
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "gm", 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	var completed int
	for _, n := range notes {
		if n.Kind == "export.completed" && n.Channel == "in_app" {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected one completion notification for the requester, got %+v", notes)
	}

	// reprocessing a finished export is a no-op
	if err := env.Engine.ProcessExport(env.Ctx, req.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	again, _ := env.Engine.Repo.GetExport(env.Ctx, req.ID)
	if again.Status != "completed" || again.RetryAttempts != 0 {
		t.Fatalf("reprocess must not touch the request: %+v", again)
	}
}

func TestExportFailureAndRetry(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "poisoned", 3)

	// a file where the export dir should be makes the write fail
	goodDir := env.Engine.Config.Exports.Dir
	blocked := goodDir + "-blocked"
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("block dir: %v", err)
	}
	env.Engine.Config.Exports.Dir = blocked

	req, err := env.Engine.RequestExport(env.Ctx, engine.ExportInput{
		GroupID: "grp-1", RequestedBy: "gm", Format: "csv", VisibilityMode: "counts",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.Engine.ProcessExport(env.Ctx, req.ID); err == nil {
		t.Fatalf("expected processing failure")
	}
	failed, _ := env.Engine.Repo.GetExport(env.Ctx, req.ID)
	if failed.Status != "failed" || failed.RetryAttempts != 1 || failed.FailureReason == nil {
		t.Fatalf("expected failed with one attempt, got %+v", failed)
	}
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "gm", 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	var failures int
	for _, n := range notes {
		if n.Kind == "export.failed" {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected a failure notification for the requester, got %+v", notes)
	}

	env.Engine.Config.Exports.Dir = goodDir
	if err := env.Engine.RetryExport(env.Ctx, "grp-1", req.ID, "gm"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	pending, _ := env.Engine.Repo.GetExport(env.Ctx, req.ID)
	if pending.Status != "pending" {
		t.Fatalf("retry must requeue, got %s", pending.Status)
	}
	if err := env.Engine.ProcessExport(env.Ctx, req.ID); err != nil {
		t.Fatalf("process after retry: %v", err)
	}
	done, _ := env.Engine.Repo.GetExport(env.Ctx, req.ID)
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %+v", done)
	}

	// retrying a completed export is rejected
	err = env.Engine.RetryExport(env.Ctx, "grp-1", req.ID, "gm")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMaintenanceReport(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)

	// members without a granted consent are pending, and pending consents
	// alone flag the group
	initial, err := env.Engine.MaintenanceSnapshot(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if initial.State != "needs_attention" || initial.LiveShares != 0 {
		t.Fatalf("expected attention on missing consents, got %+v", initial)
	}
	if len(initial.PendingConsents) != 3 {
		t.Fatalf("all members lack consent, got %v", initial.PendingConsents)
	}

	for _, user := range []string{"gm", "aria", "brick"} {
		if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
			GroupID: "grp-1", UserID: user, RecordedBy: user,
			Action: "granted", Visibility: "counts",
		}); err != nil {
			t.Fatalf("consent for %s: %v", user, err)
		}
	}
	clean, err := env.Engine.MaintenanceSnapshot(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if clean.State != "ok" || len(clean.PendingConsents) != 0 {
		t.Fatalf("expected clean report after consents, got %+v", clean)
	}

	// a revoked latest entry counts as pending again
	if _, err := env.Engine.RecordConsent(env.Ctx, engine.ConsentInput{
		GroupID: "grp-1", UserID: "brick", RecordedBy: "brick",
		Action: "revoked", Visibility: "counts",
	}); err != nil {
		t.Fatalf("revoke consent: %v", err)
	}
	revoked, err := env.Engine.MaintenanceSnapshot(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(revoked.PendingConsents) != 1 || revoked.PendingConsents[0] != "brick" {
		t.Fatalf("revoked member must be pending: %+v", revoked.PendingConsents)
	}
	if revoked.State != "needs_attention" {
		t.Fatalf("expected attention after revocation, got %+v", revoked)
	}

	// an expiring share needs attention too
	expires := env.Clock.Add(time.Hour).Format(time.RFC3339)
	if _, err := env.Engine.CreateShare(env.Ctx, engine.ShareInput{
		GroupID: "grp-1", CreatedBy: "gm", VisibilityMode: "details", ExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("create share: %v", err)
	}
	report, err := env.Engine.MaintenanceSnapshot(env.Ctx, "grp-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if report.State != "needs_attention" {
		t.Fatalf("expected needs_attention, got %+v", report)
	}
	if report.LiveShares != 1 || report.ExpiringSoon != 1 || report.NextExpiry == nil {
		t.Fatalf("unexpected share stats: %+v", report)
	}
	if len(report.Reasons) == 0 {
		t.Fatalf("expected reasons")
	}
}
