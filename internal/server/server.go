package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"only the owner or dungeon master may adjust timers"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the tracker API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Condition Tracker API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGroups(group, cfg.Engine)
	registerSummary(group, cfg.Engine)
	registerAcknowledgements(group, cfg.Engine)
	registerAdjustments(group, cfg.Engine)
	registerConsents(group, cfg.Engine)
	registerShares(group, cfg.Engine)
	registerExports(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerPublicShare(router, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || strings.HasPrefix(route, "/shared/") {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Condition Tracker API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGroups(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-group",
		Method:        http.MethodPost,
		Path:          "/groups",
		Summary:       "Create group",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateGroupRequest `json:"body"`
	}) (*struct {
		Body domain.Group `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		g := domain.Group{
			ID:              uuid.NewString(),
			Name:            input.Body.Name,
			QuietHoursStart: input.Body.QuietHoursStart,
			QuietHoursEnd:   input.Body.QuietHoursEnd,
			CreatedAt:       e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertGroup(ctx, g); err != nil {
			return nil, handleError(err)
		}
		member := domain.GroupMember{GroupID: g.ID, UserID: userID, Role: "owner", JoinedAt: g.CreatedAt}
		if err := e.Repo.UpsertMember(ctx, member); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Group `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/members",
		Summary:       "Add or update a member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string           `path:"group_id"`
		Body    AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.GroupMember `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.Repo.GetMember(ctx, input.GroupID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !actor.Privileged() {
			return nil, handleError(engine.ForbiddenError{Msg: "only the owner or dungeon master may manage members"})
		}
		switch input.Body.Role {
		case "owner", "dungeon_master", "player":
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role must be owner, dungeon_master, or player", nil)
		}
		m := domain.GroupMember{
			GroupID:  input.GroupID,
			UserID:   input.Body.UserID,
			Role:     input.Body.Role,
			JoinedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertMember(ctx, m); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GroupMember `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upsert-token",
		Method:        http.MethodPut,
		Path:          "/groups/{group_id}/tokens/{token_id}",
		Summary:       "Upsert a map token and its conditions",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string             `path:"group_id"`
		TokenID string             `path:"token_id"`
		Body    UpsertTokenRequest `json:"body"`
	}) (*struct {
		Body domain.MapToken `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.Repo.GetMember(ctx, input.GroupID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !actor.Privileged() {
			return nil, handleError(engine.ForbiddenError{Msg: "only the owner or dungeon master may place tokens"})
		}
		if input.Body.Name == "" || input.Body.OwnerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name and owner_id are required", nil)
		}
		t := domain.MapToken{
			ID:      input.TokenID,
			GroupID: input.GroupID,
			OwnerID: input.Body.OwnerID,
			Name:    input.Body.Name,
			Faction: input.Body.Faction,
		}
		if err := e.Repo.UpsertToken(ctx, t); err != nil {
			return nil, handleError(err)
		}
		for _, c := range input.Body.Conditions {
			if c.Key == "" || c.RoundsRemaining < 1 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "conditions need a key and rounds_remaining >= 1", nil)
			}
			if err := e.Repo.SetCondition(ctx, t.ID, c.Key, c.RoundsRemaining); err != nil {
				return nil, handleError(err)
			}
		}
		e.Invalidate(ctx, input.GroupID)
		return &struct {
			Body domain.MapToken `json:"body"`
		}{Body: t}, nil
	})
}

func registerSummary(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-summary",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/summary",
		Summary:     "Condition summary for the viewer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body any `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.SummaryFor(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body any `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-summary",
		Method:      http.MethodPost,
		Path:        "/groups/{group_id}/summary/refresh",
		Summary:     "Recompute the summary and emit escalations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body RefreshResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetMember(ctx, input.GroupID, userID); err != nil {
			return nil, handleError(err)
		}
		summary, escalations, err := e.Refresh(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefreshResponse `json:"body"`
		}{Body: RefreshResponse{Summary: summary, Escalations: escalations}}, nil
	})
}

func registerAcknowledgements(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "acknowledge-condition",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/tokens/{token_id}/conditions/{condition_key}/acknowledgements",
		Summary:       "Acknowledge a condition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID      string     `path:"group_id"`
		TokenID      string     `path:"token_id"`
		ConditionKey string     `path:"condition_key"`
		Body         AckRequest `json:"body"`
	}) (*struct {
		Body engine.AckResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Acknowledge(ctx, engine.AckInput{
			GroupID:            input.GroupID,
			TokenID:            input.TokenID,
			UserID:             userID,
			ConditionKey:       input.ConditionKey,
			SummaryGeneratedAt: input.Body.SummaryGeneratedAt,
			Source:             input.Body.Source,
			QueuedAt:           input.Body.QueuedAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AckResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAdjustments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-adjustments",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/adjustments",
		Summary:       "Apply a batch of timer adjustments",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID string             `path:"group_id"`
		Body    AdjustmentsRequest `json:"body"`
	}) (*struct {
		Body []engine.AdjustmentOutcome `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcomes, err := e.ApplyAdjustments(ctx, input.GroupID, userID, input.Body.Adjustments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.AdjustmentOutcome `json:"body"`
		}{Body: outcomes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "tick-round",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/rounds/tick",
		Summary:       "Advance one combat round",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body []engine.AdjustmentOutcome `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcomes, err := e.TickRound(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.AdjustmentOutcome `json:"body"`
		}{Body: outcomes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "timeline",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/adjustments",
		Summary:     "Chronicle timeline for the viewer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID      string `path:"group_id"`
		TokenID      string `query:"token_id"`
		ConditionKey string `query:"condition_key"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []engine.TimelineEntry `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.Timeline(ctx, input.GroupID, userID, repo.AdjustmentFilters{
			TokenID:      input.TokenID,
			ConditionKey: input.ConditionKey,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.TimelineEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerConsents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-consent",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/consents",
		Summary:       "Record a consent decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID string         `path:"group_id"`
		Body    ConsentRequest `json:"body"`
	}) (*struct {
		Body domain.ConsentEntry `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actorID
		}
		entry, err := e.RecordConsent(ctx, engine.ConsentInput{
			GroupID:    input.GroupID,
			UserID:     userID,
			RecordedBy: actorID,
			Action:     input.Body.Action,
			Visibility: input.Body.Visibility,
			Source:     input.Body.Source,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConsentEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consent-log",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/consents",
		Summary:     "Consent log",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ConsentEntry `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		member, err := e.Repo.GetMember(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !member.Privileged() {
			return nil, handleError(engine.ForbiddenError{Msg: "the consent log is visible to the owner and dungeon master only"})
		}
		entries, err := e.Repo.ListConsentLog(ctx, input.GroupID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ConsentEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerShares(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-share",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/shares",
		Summary:       "Create a share link",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID string       `path:"group_id"`
		Body    ShareRequest `json:"body"`
	}) (*struct {
		Body engine.CreatedShare `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		created, err := e.CreateShare(ctx, engine.ShareInput{
			GroupID:        input.GroupID,
			CreatedBy:      userID,
			VisibilityMode: input.Body.VisibilityMode,
			ExpiresAt:      input.Body.ExpiresAt,
			PresetKey:      input.Body.PresetKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CreatedShare `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shares",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/shares",
		Summary:     "List share links",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body []engine.ShareStatus `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		shares, err := e.Shares(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ShareStatus `json:"body"`
		}{Body: shares}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-share",
		Method:      http.MethodDelete,
		Path:        "/groups/{group_id}/shares/{share_id}",
		Summary:     "Revoke a share link",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		ShareID string `path:"share_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeShare(ctx, input.GroupID, input.ShareID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerExports(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-export",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/exports",
		Summary:       "Queue an export",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID string              `path:"group_id"`
		Body    ExportCreateRequest `json:"body"`
	}) (*struct {
		Body domain.ExportRequest `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RequestExport(ctx, engine.ExportInput{
			GroupID:        input.GroupID,
			RequestedBy:    userID,
			Format:         input.Body.Format,
			VisibilityMode: input.Body.VisibilityMode,
			FiltersJSON:    input.Body.FiltersJSON,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExportRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exports",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/exports",
		Summary:     "List exports",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ExportRequest `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		member, err := e.Repo.GetMember(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !member.Privileged() {
			return nil, handleError(engine.ForbiddenError{Msg: "exports are visible to the owner and dungeon master only"})
		}
		exports, err := e.Repo.ListExports(ctx, input.GroupID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExportRequest `json:"body"`
		}{Body: exports}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-export",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/exports/{export_id}",
		Summary:     "Export status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID  string `path:"group_id"`
		ExportID string `path:"export_id"`
	}) (*struct {
		Body domain.ExportRequest `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		member, err := e.Repo.GetMember(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !member.Privileged() {
			return nil, handleError(engine.ForbiddenError{Msg: "exports are visible to the owner and dungeon master only"})
		}
		req, err := e.Repo.GetExport(ctx, input.ExportID)
		if err != nil {
			return nil, handleError(err)
		}
		if req.GroupID != input.GroupID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body domain.ExportRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-export",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/exports/{export_id}/retry",
		Summary:       "Retry a failed export",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID  string `path:"group_id"`
		ExportID string `path:"export_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RetryExport(ctx, input.GroupID, input.ExportID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWebhooks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-webhook",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/webhooks",
		Summary:       "Register a webhook endpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID string         `path:"group_id"`
		Body    WebhookRequest `json:"body"`
	}) (*struct {
		Body engine.RegisteredWebhook `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		registered, err := e.RegisterWebhook(ctx, engine.WebhookInput{
			GroupID:   input.GroupID,
			CreatedBy: userID,
			URL:       input.Body.URL,
			Secret:    input.Body.Secret,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RegisteredWebhook `json:"body"`
		}{Body: registered}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/webhooks",
		Summary:     "List webhook endpoints",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body []domain.Webhook `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		hooks, err := e.Webhooks(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Webhook `json:"body"`
		}{Body: hooks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-webhook",
		Method:      http.MethodDelete,
		Path:        "/groups/{group_id}/webhooks/{webhook_id}",
		Summary:     "Deactivate a webhook endpoint",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID   string `path:"group_id"`
		WebhookID string `path:"webhook_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeactivateWebhook(ctx, input.GroupID, input.WebhookID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMaintenance(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "maintenance-snapshot",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/maintenance",
		Summary:     "Sharing-surface health snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body engine.MaintenanceReport `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// any member may read the report; non-members get a 404
		if _, err := e.Repo.GetMember(ctx, input.GroupID, userID); err != nil {
			return nil, handleError(err)
		}
		report, err := e.MaintenanceSnapshot(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MaintenanceReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/events",
		Summary:     "Audit event tail",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID    string `path:"group_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		member, err := e.Repo.GetMember(ctx, input.GroupID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !member.Privileged() {
			return nil, handleError(engine.ForbiddenError{Msg: "the audit log is visible to the owner and dungeon master only"})
		}
		entries, err := e.Repo.LatestEvents(ctx, input.Limit, input.GroupID, input.Type, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: entries}, nil
	})
}
