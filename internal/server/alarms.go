package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dockyard/internal/domain"
)

func registerAlarms(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "schedule-alarm",
		Method:        http.MethodPost,
		Path:          "/alarms",
		Summary:       "Schedule a deferred container continuation",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body ScheduleAlarmRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ContainerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "container_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetContainer(ctx, input.Body.ContainerID); err != nil {
			return nil, handleError(err)
		}
		at := time.Now()
		if input.Body.StartTime != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.StartTime)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "start_time must be RFC3339", nil)
			}
			at = parsed
		}
		if err := cfg.Alarms.Schedule(input.Body.ContainerID, at); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"container_id": input.Body.ContainerID,
			"fires_at":     at.UTC().Format(time.RFC3339),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-polling",
		Method:        http.MethodPost,
		Path:          "/alarms/polling",
		Summary:       "Register or refresh a recurring polling job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		TerminalToken string             `query:"terminalToken"`
		Body          domain.PollingData `json:"body"`
	}) (*struct {
		Body PollingJobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.TerminalToken == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "terminalToken query parameter is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		job, err := cfg.Poller.Register(ctx, input.TerminalToken, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PollingJobResponse `json:"body"`
		}{Body: pollingJobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-polling-jobs",
		Method:      http.MethodGet,
		Path:        "/alarms/polling",
		Summary:     "List polling jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PollingJobResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPollingJobs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PollingJobResponse, 0, len(items))
		for _, j := range items {
			out = append(out, pollingJobResponse(j))
		}
		return &struct {
			Body []PollingJobResponse `json:"body"`
		}{Body: out}, nil
	})
}
