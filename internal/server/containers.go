package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dockyard/internal/engine"
)

func registerContainers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-containers",
		Method:      http.MethodGet,
		Path:        "/containers",
		Summary:     "List containers",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PlanID string `query:"plan_id"`
	}) (*struct {
		Body []ContainerResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListContainers(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContainerResponse `json:"body"`
		}{Body: mapContainers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-container",
		Method:      http.MethodGet,
		Path:        "/containers/{id}",
		Summary:     "Get container",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContainerResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetContainer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContainerResponse `json:"body"`
		}{Body: containerResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "continue-container",
		Method:      http.MethodPost,
		Path:        "/containers/{id}/continue",
		Summary:     "Continue a suspended or running container",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContainerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Continue(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContainerResponse `json:"body"`
		}{Body: containerResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-container",
		Method:      http.MethodPost,
		Path:        "/containers/{id}/cancel",
		Summary:     "Request cancellation of a running container",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContainerResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.RequestContainerCancel(ctx, input.ID, now); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetContainer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContainerResponse `json:"body"`
		}{Body: containerResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-container",
		Method:      http.MethodDelete,
		Path:        "/containers/{id}",
		Summary:     "Delete container",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteContainer(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
