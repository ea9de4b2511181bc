package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine/sign"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

type WebhookInput struct {
	GroupID   string
	CreatedBy string
	URL       string
	Secret    string
}

// RegisteredWebhook carries the signing secret back to the caller once, at
// registration time. It is never readable again.
type RegisteredWebhook struct {
	Webhook domain.Webhook `json:"webhook"`
	Secret  string         `json:"secret"`
}

func (e *Engine) RegisterWebhook(ctx context.Context, in WebhookInput) (RegisteredWebhook, error) {
	member, err := e.Repo.GetMember(ctx, in.GroupID, in.CreatedBy)
	if err != nil {
		return RegisteredWebhook{}, err
	}
	if !member.Privileged() {
		return RegisteredWebhook{}, ForbiddenError{Msg: "only the owner or dungeon master may register webhooks"}
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return RegisteredWebhook{}, validationf("url must be an absolute http or https URL")
	}
	secret := in.Secret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return RegisteredWebhook{}, err
		}
		secret = hex.EncodeToString(buf)
	}
	w := domain.Webhook{
		ID:        uuid.NewString(),
		GroupID:   in.GroupID,
		URL:       in.URL,
		Secret:    secret,
		Active:    true,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertWebhook(ctx, w); err != nil {
		return RegisteredWebhook{}, err
	}
	return RegisteredWebhook{Webhook: w, Secret: secret}, nil
}

func (e *Engine) Webhooks(ctx context.Context, groupID, viewerID string) ([]domain.Webhook, error) {
	member, err := e.Repo.GetMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	if !member.Privileged() {
		return nil, ForbiddenError{Msg: "webhooks are visible to the owner and dungeon master only"}
	}
	return e.Repo.ListWebhooks(ctx, groupID, false)
}

// DeactivateWebhook stops deliveries to an endpoint. The row stays so the
// delivery history remains attributable.
func (e *Engine) DeactivateWebhook(ctx context.Context, groupID, webhookID, actorID string) error {
	member, err := e.Repo.GetMember(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !member.Privileged() {
		return ForbiddenError{Msg: "only the owner or dungeon master may deactivate webhooks"}
	}
	hook, err := e.Repo.GetWebhook(ctx, webhookID)
	if err != nil {
		return err
	}
	if hook.GroupID != groupID {
		return repo.ErrNotFound
	}
	return e.Repo.SetWebhookActive(ctx, webhookID, false)
}

type webhookEnvelope struct {
	Kind   string `json:"kind"`
	SentAt string `json:"sent_at"`
	Data   any    `json:"data"`
}

// deliverWebhooks posts the payload to every active endpoint of the group.
// Failures mark the endpoint and move on; delivery is best effort.
func (e *Engine) deliverWebhooks(ctx context.Context, groupID, kind string, data any) {
	hooks, err := e.Repo.ListWebhooks(ctx, groupID, true)
	if err != nil {
		e.Logger.Error("list webhooks", "group", groupID, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	body, err := json.Marshal(webhookEnvelope{Kind: kind, SentAt: e.nowRFC3339(), Data: data})
	if err != nil {
		e.Logger.Error("marshal webhook payload", "group", groupID, "kind", kind, "error", err)
		return
	}
	client := &http.Client{Timeout: e.Config.WebhookTimeout()}
	for _, hook := range hooks {
		if err := e.postWebhook(ctx, client, hook, body); err != nil {
			e.Logger.Warn("webhook delivery failed", "webhook", hook.ID, "url", hook.URL, "error", err)
			if err := e.Repo.MarkWebhookFailed(ctx, hook.ID, e.nowRFC3339()); err != nil {
				e.Logger.Error("mark webhook failed", "webhook", hook.ID, "error", err)
			}
			continue
		}
		if err := e.Repo.MarkWebhookDelivered(ctx, hook.ID, e.nowRFC3339()); err != nil {
			e.Logger.Error("mark webhook delivered", "webhook", hook.ID, "error", err)
		}
	}
}

func (e *Engine) postWebhook(ctx context.Context, client *http.Client, hook domain.Webhook, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sign.Header, sign.Signature(body, hook.Secret))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return validationf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
