package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/cache"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/config"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/db"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Exports.Dir = workspace + "/exports"
	e := engine.New(conn, cfg, cache.NewMemory(cfg.CacheTTL()), nil)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:             testJWTSecret,
		AllowLegacyUserHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

// seedTable creates a group with a player and one conditioned token over the
// API, acting as "gm".
func seedTable(t *testing.T, srv *testServer) (groupID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups", map[string]any{
		"name": "Integration Party",
	}, asUser("gm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create group: %d %s", res.StatusCode, string(data))
	}
	var group domain.Group
	if err := json.Unmarshal(data, &group); err != nil {
		t.Fatalf("unmarshal group: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+group.ID+"/members", map[string]any{
		"user_id": "aria",
		"role":    "player",
	}, asUser("gm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/groups/"+group.ID+"/tokens/tok-aria", map[string]any{
		"name":     "Aria",
		"owner_id": "aria",
		"faction":  "party",
		"conditions": []map[string]any{
			{"key": "poisoned", "rounds_remaining": 3},
		},
	}, asUser("gm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert token: %d %s", res.StatusCode, string(data))
	}
	return group.ID
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/groups", map[string]any{"name": "x"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "unauthorized") {
		t.Fatalf("expected error envelope, got %s", string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "gm"}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/groups", map[string]any{"name": "JWT Party"},
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/groups", map[string]any{"name": "x"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestSummaryShapePerRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	groupID := seedTable(t, srv)
	client := srv.Client()

	res, master := doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/summary", nil, asUser("gm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("master summary: %d %s", res.StatusCode, string(master))
	}
	if !strings.Contains(string(master), `"ack_count"`) || !strings.Contains(string(master), `"owner_id"`) {
		t.Fatalf("master view must carry counts and ownership: %s", string(master))
	}

	res, player := doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/summary", nil, asUser("aria"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("player summary: %d %s", res.StatusCode, string(player))
	}
	if strings.Contains(string(player), `"ack_count"`) {
		t.Fatalf("player view must not carry counts: %s", string(player))
	}
	if !strings.Contains(string(player), `"mine":true`) {
		t.Fatalf("player view must flag own tokens: %s", string(player))
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/summary", nil, asUser("stranger"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("non-members get 404, got %d %s", res.StatusCode, string(body))
	}
}

func TestAcknowledgementReplayOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	groupID := seedTable(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/summary/refresh", nil, asUser("gm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %s", res.StatusCode, string(data))
	}
	var refreshed RefreshResponse
	if err := json.Unmarshal(data, &refreshed); err != nil {
		t.Fatalf("unmarshal refresh: %v", err)
	}

	ackURL := srv.URL + "/v1/groups/" + groupID + "/tokens/tok-aria/conditions/poisoned/acknowledgements"
	payload := map[string]any{"summary_generated_at": refreshed.Summary.GeneratedAt}
	res, data = doJSON(t, client, http.MethodPost, ackURL, payload, asUser("aria"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ack: %d %s", res.StatusCode, string(data))
	}
	var first engine.AckResult
	_ = json.Unmarshal(data, &first)
	if first.Replayed {
		t.Fatalf("first ack must not be a replay")
	}

	res, data = doJSON(t, client, http.MethodPost, ackURL, payload, asUser("aria"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ack replay: %d %s", res.StatusCode, string(data))
	}
	var second engine.AckResult
	_ = json.Unmarshal(data, &second)
	if !second.Replayed {
		t.Fatalf("expected replay flag on re-submit")
	}
}

func TestAdjustmentsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	groupID := seedTable(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/adjustments", map[string]any{
		"adjustments": []map[string]any{
			{"token_id": "tok-aria", "condition_key": "poisoned", "delta": 2},
		},
	}, asUser("gm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("adjust: %d %s", res.StatusCode, string(data))
	}

	// players may not adjust
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/adjustments", map[string]any{
		"adjustments": []map[string]any{
			{"token_id": "tok-aria", "condition_key": "poisoned", "delta": -1},
		},
	}, asUser("aria"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// both delta and set_to is malformed
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/adjustments", map[string]any{
		"adjustments": []map[string]any{
			{"token_id": "tok-aria", "condition_key": "poisoned", "delta": 1, "set_to": 4},
		},
	}, asUser("gm"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/rounds/tick", nil, asUser("gm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("tick: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/adjustments", nil, asUser("gm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "poisoned") {
		t.Fatalf("timeline should mention the condition: %s", string(data))
	}
}

func TestShareCreateAndPublicResolve(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	groupID := seedTable(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/shares", map[string]any{
		"visibility_mode": "counts",
	}, asUser("aria"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("players may not mint links, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/shares", map[string]any{
		"visibility_mode": "counts",
	}, asUser("gm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create share: %d %s", res.StatusCode, string(data))
	}
	var created engine.CreatedShare
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal share: %v", err)
	}
	if created.Token == "" {
		t.Fatalf("token must be returned at creation")
	}

	// the public surface needs no credentials
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/shared/"+created.Token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("public resolve: %d %s", res.StatusCode, string(data))
	}
	var view engine.SharedView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.State != domain.ShareStateActive || len(view.Entries) != 1 {
		t.Fatalf("unexpected shared view: %+v", view)
	}
	if len(view.Entries[0].Conditions) != 0 {
		t.Fatalf("counts mode must not leak details: %+v", view.Entries[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/shared/unknown-token", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d %s", res.StatusCode, string(data))
	}
}

func TestExportFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	groupID := seedTable(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/groups/"+groupID+"/exports", map[string]any{
		"format":          "json",
		"visibility_mode": "counts",
	}, asUser("gm"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("request export: %d %s", res.StatusCode, string(data))
	}
	var req domain.ExportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}

	// no worker is running in this test; process inline
	if err := srv.Engine.ProcessExport(context.Background(), req.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/exports/"+req.ID, nil, asUser("gm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get export: %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"completed"`) {
		t.Fatalf("expected completed export: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/exports", nil, asUser("aria"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("players may not list exports, got %d %s", res.StatusCode, string(data))
	}
}

func TestMaintenanceEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	groupID := seedTable(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/maintenance", nil, asUser("gm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("maintenance: %d %s", res.StatusCode, string(data))
	}
	var report engine.MaintenanceReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.GroupID != groupID || report.State == "" {
		t.Fatalf("unexpected report: %+v", report)
	}

	// any member may read the report
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/maintenance", nil, asUser("aria"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("members may read maintenance, got %d %s", res.StatusCode, string(data))
	}

	// non-members may not
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/groups/"+groupID+"/maintenance", nil, asUser("stranger"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("non-members must get 404, got %d %s", res.StatusCode, string(data))
	}
}
