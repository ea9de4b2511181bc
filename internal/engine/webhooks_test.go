package engine_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine/sign"
)

func TestWebhookDeliveryOnEscalation(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)

	type delivery struct {
		body []byte
		sig  string
	}
	received := make(chan delivery, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		received <- delivery{body: body, sig: req.Header.Get(sign.Header)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registered, err := env.Engine.RegisterWebhook(env.Ctx, engine.WebhookInput{
		GroupID: "grp-1", CreatedBy: "gm", URL: srv.URL, Secret: "s3cret",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.Secret != "s3cret" {
		t.Fatalf("secret must round-trip at registration")
	}

	setCondition(t, env, "tok-aria", "poisoned", 1)
	if _, escs, err := env.Engine.Refresh(env.Ctx, "grp-1"); err != nil || len(escs) != 1 {
		t.Fatalf("refresh: escalations=%v err=%v", escs, err)
	}

	select {
	case d := <-received:
		if !sign.Verify(d.body, "s3cret", d.sig) {
			t.Fatalf("signature did not verify")
		}
	default:
		t.Fatalf("expected a delivery")
	}

	hook, err := env.Engine.Repo.GetWebhook(env.Ctx, registered.Webhook.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if hook.CallCount != 1 || hook.LastTriggeredAt == nil {
		t.Fatalf("delivery must be recorded: %+v", hook)
	}
}

func TestWebhookFailureMarked(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registered, err := env.Engine.RegisterWebhook(env.Ctx, engine.WebhookInput{
		GroupID: "grp-1", CreatedBy: "gm", URL: srv.URL,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	setCondition(t, env, "tok-aria", "poisoned", 1)
	if _, _, err := env.Engine.Refresh(env.Ctx, "grp-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	hook, err := env.Engine.Repo.GetWebhook(env.Ctx, registered.Webhook.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if hook.ConsecutiveFailures != 1 || hook.LastFailedAt == nil {
		t.Fatalf("failure must be recorded: %+v", hook)
	}
}

func TestDeactivateWebhookStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)

	received := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registered, err := env.Engine.RegisterWebhook(env.Ctx, engine.WebhookInput{
		GroupID: "grp-1", CreatedBy: "gm", URL: srv.URL,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := env.Engine.DeactivateWebhook(env.Ctx, "grp-1", registered.Webhook.ID, "aria"); err == nil {
		t.Fatalf("players must not deactivate webhooks")
	}
	if err := env.Engine.DeactivateWebhook(env.Ctx, "grp-1", registered.Webhook.ID, "gm"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	setCondition(t, env, "tok-aria", "poisoned", 1)
	if _, _, err := env.Engine.Refresh(env.Ctx, "grp-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	select {
	case <-received:
		t.Fatalf("inactive endpoint must not receive deliveries")
	default:
	}
}

func TestExportWebhookFieldNames(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	setCondition(t, env, "tok-aria", "blessed", 6)

	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := env.Engine.RegisterWebhook(env.Ctx, engine.WebhookInput{
		GroupID: "grp-1", CreatedBy: "gm", URL: srv.URL,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	req, err := env.Engine.RequestExport(env.Ctx, engine.ExportInput{
		GroupID: "grp-1", RequestedBy: "gm", Format: "json", VisibilityMode: "counts",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.Engine.ProcessExport(env.Ctx, req.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	var body []byte
	select {
	case body = <-received:
	default:
		t.Fatalf("expected an export.completed delivery")
	}
	var envelope struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Kind != "export.completed" {
		t.Fatalf("unexpected kind: %s", envelope.Kind)
	}
	if envelope.Data["file_reference"] == nil || envelope.Data["generated_at"] == nil {
		t.Fatalf("payload must carry file_reference and generated_at: %v", envelope.Data)
	}
}

func TestRegisterWebhookValidatesURL(t *testing.T) {
	env := newTestEnv(t)
	seedGroup(t, env)
	_, err := env.Engine.RegisterWebhook(env.Ctx, engine.WebhookInput{
		GroupID: "grp-1", CreatedBy: "gm", URL: "not-a-url",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
