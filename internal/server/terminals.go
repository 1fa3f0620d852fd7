package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"dockyard/internal/domain"
	"dockyard/internal/engine"
	"dockyard/internal/events"
)

func registerTerminals(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "register-terminal",
		Method:        http.MethodPost,
		Path:          "/terminals",
		Summary:       "Register terminal by endpoint discovery",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterTerminalRequest `json:"body"`
	}) (*struct {
		Body struct {
			Terminal  TerminalResponse   `json:"terminal"`
			Templates []TemplateResponse `json:"templates"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Endpoint == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "endpoint is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, templates, err := cfg.Registry.Register(ctx, input.Body.Endpoint, input.Body.Secret)
		if err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, "terminal.registered", "", "terminal", t.ID, actorID, events.EventPayload{"name": t.Name, "version": t.Version}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		out := struct {
			Terminal  TerminalResponse   `json:"terminal"`
			Templates []TemplateResponse `json:"templates"`
		}{Terminal: terminalResponse(t), Templates: make([]TemplateResponse, 0, len(templates))}
		for _, tpl := range templates {
			out.Templates = append(out.Templates, templateResponse(tpl))
		}
		return &struct {
			Body struct {
				Terminal  TerminalResponse   `json:"terminal"`
				Templates []TemplateResponse `json:"templates"`
			} `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-terminals",
		Method:      http.MethodGet,
		Path:        "/terminals",
		Summary:     "List terminals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TerminalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTerminals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TerminalResponse, 0, len(items))
		for _, t := range items {
			out = append(out, terminalResponse(t))
		}
		return &struct {
			Body []TerminalResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activity-templates",
		Method:      http.MethodGet,
		Path:        "/activity_templates",
		Summary:     "List activity templates",
	}, func(ctx context.Context, input *struct {
		TerminalID string `query:"terminal_id"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivityTemplates(ctx, input.TerminalID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TemplateResponse, 0, len(items))
		for _, tpl := range items {
			out = append(out, templateResponse(tpl))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerTokens(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-auth-token",
		Method:        http.MethodPost,
		Path:          "/authorization_tokens",
		Summary:       "Store external-account credential",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TerminalID == "" || input.Body.ExternalAccountID == "" || input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "terminal_id, external_account_id, and token are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTerminal(ctx, input.Body.TerminalID); err != nil {
			return nil, handleError(err)
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actorID
		}
		tok := domain.AuthorizationToken{
			ID:                uuid.NewString(),
			UserID:            userID,
			TerminalID:        input.Body.TerminalID,
			ExternalAccountID: input.Body.ExternalAccountID,
			Token:             input.Body.Token,
			CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAuthToken(ctx, tx, tok); err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Append(ctx, tx, "token.created", "", "token", tok.ID, actorID, nil); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(tok)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-auth-tokens",
		Method:      http.MethodGet,
		Path:        "/authorization_tokens",
		Summary:     "List stored credentials",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []TokenResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAuthTokens(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TokenResponse, 0, len(items))
		for _, t := range items {
			out = append(out, tokenResponse(t))
		}
		return &struct {
			Body []TokenResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-auth-token",
		Method:      http.MethodDelete,
		Path:        "/authorization_tokens/{id}",
		Summary:     "Revoke credential",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAuthToken(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
