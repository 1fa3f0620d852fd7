package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"dockyard/internal/crate"
	"dockyard/internal/domain"
	"dockyard/internal/engine"
	"dockyard/internal/events"
	"dockyard/internal/plantree"
)

func registerPlans(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Create plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		planType := input.Body.PlanType
		if planType == "" {
			planType = domain.PlanTypeOngoing
		}
		now := time.Now().UTC().Format(time.RFC3339)
		p := domain.Plan{
			ID:        uuid.NewString(),
			Name:      input.Body.Name,
			Category:  input.Body.Category,
			PlanType:  planType,
			State:     domain.PlanStateInactive,
			OwnerID:   actorID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		root := domain.PlanNode{
			ID:     uuid.NewString(),
			PlanID: p.ID,
			Kind:   domain.KindPlan,
			Label:  p.Name,
			State:  domain.ActivityStateUnstarted,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertNode(ctx, tx, root); err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Append(ctx, tx, "plan.created", p.ID, "plan", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:",inactive,active"`
	}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPlans(ctx, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: mapPlans(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-plan",
		Method:      http.MethodDelete,
		Path:        "/plans/{plan_id}",
		Summary:     "Delete plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeletePlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/activate",
		Summary:     "Activate plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ActivatePlan(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/deactivate",
		Summary:     "Deactivate plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.DeactivatePlan(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-plan",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/run",
		Summary:       "Run plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body ContainerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RunPlan(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContainerResponse `json:"body"`
		}{Body: containerResponse(c)}, nil
	})
}

func registerNodes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plan-nodes",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/nodes",
		Summary:     "List plan nodes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body []NodeResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListPlanNodes(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		tree, err := plantree.New(rows)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NodeResponse `json:"body"`
		}{Body: mapNodes(tree.Nodes())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-plan-node",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/nodes",
		Summary:       "Add node to plan tree",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string            `path:"plan_id"`
		Body   CreateNodeRequest `json:"body"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListPlanNodes(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		tree, err := plantree.New(rows)
		if err != nil {
			return nil, handleError(err)
		}
		parentID := input.Body.ParentID
		if parentID == "" {
			root, err := tree.Root()
			if err != nil {
				return nil, handleError(err)
			}
			parentID = root.ID
		}
		kind := input.Body.Kind
		if kind == "" {
			kind = domain.KindActivity
		}
		node := domain.PlanNode{
			ID:     uuid.NewString(),
			PlanID: input.PlanID,
			Kind:   kind,
			Label:  input.Body.Label,
			State:  domain.ActivityStateUnstarted,
		}
		if input.Body.ActivityTemplateID != "" {
			id := input.Body.ActivityTemplateID
			node.ActivityTemplateID = &id
		}
		if input.Body.AuthTokenID != "" {
			id := input.Body.AuthTokenID
			node.AuthTokenID = &id
		}
		if len(input.Body.CrateStorage) > 0 {
			node.CrateStorage = string(input.Body.CrateStorage)
		}
		index := -1
		if input.Body.Index != nil {
			index = *input.Body.Index
		}
		if err := tree.Insert(parentID, index, node); err != nil {
			return nil, handleError(err)
		}
		if err := saveTree(ctx, e, input.PlanID, tree, actorID, "node.added", node.ID); err != nil {
			return nil, handleError(err)
		}
		saved, err := tree.Get(node.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(*saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-plan-node",
		Method:      http.MethodPatch,
		Path:        "/plans/{plan_id}/nodes/{id}",
		Summary:     "Move node within plan tree",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string          `path:"plan_id"`
		ID     string          `path:"id"`
		Body   MoveNodeRequest `json:"body"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := e.Repo.ListPlanNodes(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		tree, err := plantree.New(rows)
		if err != nil {
			return nil, handleError(err)
		}
		if err := tree.Move(input.ID, input.Body.ParentID, input.Body.Index); err != nil {
			return nil, handleError(err)
		}
		if err := saveTree(ctx, e, input.PlanID, tree, actorID, "node.moved", input.ID); err != nil {
			return nil, handleError(err)
		}
		saved, err := tree.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(*saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-plan-node",
		Method:      http.MethodDelete,
		Path:        "/plans/{plan_id}/nodes/{id}",
		Summary:     "Remove node and its subtree",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		ID     string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := e.Repo.ListPlanNodes(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		tree, err := plantree.New(rows)
		if err != nil {
			return nil, handleError(err)
		}
		root, err := tree.Root()
		if err != nil {
			return nil, handleError(err)
		}
		if root.ID == input.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "cannot remove the plan root", nil)
		}
		if err := tree.Remove(input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := saveTree(ctx, e, input.PlanID, tree, actorID, "node.removed", input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-node-storage",
		Method:      http.MethodPut,
		Path:        "/plans/{plan_id}/nodes/{id}/storage",
		Summary:     "Replace a node's crate storage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		ID     string `path:"id"`
		Body   struct {
			CrateStorage json.RawMessage `json:"crate_storage"`
		} `json:"body"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		node, err := e.Repo.GetNode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if node.PlanID != input.PlanID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "node not found in plan", nil)
		}
		updatable, err := crate.NewUpdatable(node.CrateStorage, func(serialized string) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := e.Repo.UpdateNodeCrateStorage(ctx, tx, node.ID, serialized); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "node.storage_updated", node.PlanID, "node", node.ID, actorID, nil); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return nil, handleError(err)
		}
		incoming, err := crate.Parse(string(input.Body.CrateStorage))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid crate storage", map[string]any{"error": err.Error()})
		}
		*updatable.Storage() = incoming
		if err := updatable.Commit(); err != nil {
			return nil, handleError(err)
		}
		node, err = e.Repo.GetNode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(node)}, nil
	})
}

// saveTree rewrites a plan's node rows from the mutated tree.
func saveTree(ctx context.Context, e *engine.Engine, planID string, tree *plantree.Tree, actorID, evtType, nodeID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveNodes(ctx, tx, planID, tree.Nodes()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, planID, "node", nodeID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
