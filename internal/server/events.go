package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dockyard/internal/crate"
	"dockyard/internal/engine"
)

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-event-report",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Deliver an external event report",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body EventReportRequest `json:"body"`
	}) (*struct {
		Body struct {
			Matched    int                 `json:"matched"`
			Containers []ContainerResponse `json:"containers"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.EventNames) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event_names is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report := crate.EventReport{
			EventNames:        input.Body.EventNames,
			ExternalAccountID: input.Body.ExternalAccountID,
			Manufacturer:      input.Body.Manufacturer,
		}
		for _, f := range input.Body.Payload {
			report.Payload = append(report.Payload, crate.Field{Key: f.Key, Value: f.Value})
		}
		containers, err := e.HandleEventReport(ctx, report, actorID)
		if err != nil && len(containers) == 0 {
			return nil, handleError(err)
		}
		out := struct {
			Matched    int                 `json:"matched"`
			Containers []ContainerResponse `json:"containers"`
		}{Matched: len(containers), Containers: mapContainers(containers)}
		return &struct {
			Body struct {
				Matched    int                 `json:"matched"`
				Containers []ContainerResponse `json:"containers"`
			} `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PlanID string `query:"plan_id"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.Limit, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
