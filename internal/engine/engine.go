// Package engine is the plan interpreter: it walks a container through its
// plan's activity tree, dispatches each activity node to its terminal, and
// applies the returned verdict to decide the next step. State is persisted
// transactionally before and after every dispatch so a crash mid-step leaves
// the node in_process and safe to re-dispatch.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dockyard/internal/crate"
	"dockyard/internal/domain"
	"dockyard/internal/events"
	"dockyard/internal/plantree"
	"dockyard/internal/repo"
	"dockyard/internal/terminal"
)

// Dispatcher is the outbound terminal call. *terminal.Client satisfies it;
// tests substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Terminal, actionName string, req terminal.ActionRequest) (terminal.ActionResult, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher Dispatcher
	Log        *slog.Logger
	Now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// lockContainer serializes continuation per container id. Different
// containers run in parallel; the same container never does.
func (e *Engine) lockContainer(id string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ActivatePlan flips a plan to active so event matching considers it.
func (e *Engine) ActivatePlan(ctx context.Context, planID, actorID string) (domain.Plan, error) {
	return e.setPlanState(ctx, planID, actorID, domain.PlanStateActive, "plan.activated")
}

// DeactivatePlan flips a plan to inactive.
func (e *Engine) DeactivatePlan(ctx context.Context, planID, actorID string) (domain.Plan, error) {
	return e.setPlanState(ctx, planID, actorID, domain.PlanStateInactive, "plan.deactivated")
}

func (e *Engine) setPlanState(ctx context.Context, planID, actorID, state, evtType string) (domain.Plan, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlanState(ctx, tx, planID, state, e.timestamp()); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, planID, "plan", planID, actorID, nil); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return e.Repo.GetPlan(ctx, planID)
}

// RunPlan creates a fresh container for the plan and interprets it to its
// first resting point (completion, suspension, or failure). Node run states
// are reset so a re-run starts clean.
func (e *Engine) RunPlan(ctx context.Context, planID, actorID string, seed ...crate.Crate) (domain.Container, error) {
	plan, err := e.Repo.GetPlan(ctx, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Container{}, &ArgumentError{Msg: fmt.Sprintf("plan %s not found", planID)}
	}
	if err != nil {
		return domain.Container{}, err
	}
	rows, err := e.Repo.ListPlanNodes(ctx, planID)
	if err != nil {
		return domain.Container{}, err
	}
	if len(rows) == 0 {
		return domain.Container{}, &ArgumentError{Msg: fmt.Sprintf("plan %s has no activities", planID)}
	}
	tree, err := plantree.New(rows)
	if err != nil {
		return domain.Container{}, err
	}
	root, err := tree.Root()
	if err != nil {
		return domain.Container{}, err
	}

	storage := crate.Storage{}
	storage.Add(seed...)
	payload, err := crate.Serialize(storage)
	if err != nil {
		return domain.Container{}, err
	}

	now := e.timestamp()
	rootID := root.ID
	c := domain.Container{
		ID:            uuid.NewString(),
		PlanID:        planID,
		State:         domain.ContainerStateRunning,
		CurrentNodeID: &rootID,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Container{}, err
	}
	defer tx.Rollback()
	for _, n := range rows {
		if n.State != domain.ActivityStateUnstarted {
			if err := e.Repo.UpdateNodeState(ctx, tx, n.ID, domain.ActivityStateUnstarted); err != nil {
				return domain.Container{}, err
			}
		}
	}
	if err := e.Repo.InsertContainer(ctx, tx, c); err != nil {
		return domain.Container{}, err
	}
	if err := e.Events.Append(ctx, tx, "container.created", planID, "container", c.ID, actorID, events.EventPayload{"plan_name": plan.Name}); err != nil {
		return domain.Container{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Container{}, err
	}
	return e.Continue(ctx, c.ID, actorID)
}

// Continue resumes the container from its current node and interprets until
// the run completes, suspends, or fails. Exactly one Continue per container
// runs at a time.
func (e *Engine) Continue(ctx context.Context, containerID, actorID string) (domain.Container, error) {
	if containerID == "" {
		return domain.Container{}, &ArgumentError{Msg: "container is required"}
	}
	unlock := e.lockContainer(containerID)
	defer unlock()

	c, err := e.Repo.GetContainer(ctx, containerID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Container{}, &ArgumentError{Msg: fmt.Sprintf("container %s not found", containerID)}
	}
	if err != nil {
		return domain.Container{}, err
	}
	switch c.State {
	case domain.ContainerStateRunning, domain.ContainerStateSuspended:
	default:
		return c, &ArgumentError{Msg: fmt.Sprintf("container %s is %s and cannot continue", c.ID, c.State)}
	}
	if c.CurrentNodeID == nil {
		return c, &ArgumentError{Msg: fmt.Sprintf("container %s has no current activity", c.ID)}
	}

	plan, err := e.Repo.GetPlan(ctx, c.PlanID)
	if err != nil {
		return c, err
	}
	rows, err := e.Repo.ListPlanNodes(ctx, c.PlanID)
	if err != nil {
		return c, err
	}
	tree, err := plantree.New(rows)
	if err != nil {
		return c, err
	}

	if c.State == domain.ContainerStateSuspended {
		c.State = domain.ContainerStateRunning
	}
	return e.interpret(ctx, plan, tree, c, actorID)
}

// interpret is the synchronous step loop. Each iteration handles exactly one
// node: persist in_process, dispatch, apply the verdict, persist the result.
func (e *Engine) interpret(ctx context.Context, plan domain.Plan, tree *plantree.Tree, c domain.Container, actorID string) (domain.Container, error) {
	for {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		// Cancellation is an out-of-band flag; re-read it each step.
		fresh, err := e.Repo.GetContainer(ctx, c.ID)
		if err != nil {
			return c, err
		}
		c.CancelRequested = fresh.CancelRequested
		if c.CancelRequested {
			return e.finalize(ctx, plan, c, domain.ContainerStateCanceled, actorID, "container.canceled", nil)
		}
		if c.CurrentNodeID == nil {
			return e.finalize(ctx, plan, c, domain.ContainerStateCompleted, actorID, "container.completed", nil)
		}

		node, err := tree.Get(*c.CurrentNodeID)
		if err != nil {
			argErr := &ArgumentError{Msg: fmt.Sprintf("container %s points at unknown node %s", c.ID, *c.CurrentNodeID)}
			c, _ = e.failRun(ctx, plan, c, nil, actorID, argErr.Error())
			return c, argErr
		}
		if node.State != domain.ActivityStateUnstarted && node.State != domain.ActivityStateInProcess {
			stateErr := &InvalidStateTransitionError{NodeID: node.ID, State: node.State}
			c, _ = e.failRun(ctx, plan, c, nil, actorID, stateErr.Error())
			return c, stateErr
		}

		if err := e.persistStepStart(ctx, tree, &c, node, actorID); err != nil {
			return c, err
		}

		result, err := e.dispatchNode(ctx, node, c)
		if err != nil {
			c, _ = e.failRun(ctx, plan, c, node, actorID, err.Error())
			return c, fmt.Errorf("dispatch node %s: %w", node.ID, err)
		}
		if len(result.Payload) > 0 {
			updated, perr := crate.Parse(string(result.Payload))
			if perr != nil {
				c, _ = e.failRun(ctx, plan, c, node, actorID, perr.Error())
				return c, fmt.Errorf("node %s returned invalid payload: %w", node.ID, perr)
			}
			serialized, perr := crate.Serialize(updated)
			if perr != nil {
				return c, perr
			}
			c.Payload = serialized
		}

		c, err = e.applyVerdict(ctx, plan, tree, c, node, result, actorID)
		if err != nil {
			return c, err
		}
		if c.State != domain.ContainerStateRunning {
			return c, nil
		}
	}
}

// persistStepStart marks the node in_process and records where the run will
// go next, inside one transaction, before any network call happens.
func (e *Engine) persistStepStart(ctx context.Context, tree *plantree.Tree, c *domain.Container, node *domain.PlanNode, actorID string) error {
	next, err := tree.NextPreOrder(node.ID)
	if err != nil {
		return err
	}
	c.NextNodeID = nil
	if next != nil {
		id := next.ID
		c.NextNodeID = &id
	}
	c.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateNodeState(ctx, tx, node.ID, domain.ActivityStateInProcess); err != nil {
		return err
	}
	if err := e.Repo.UpdateContainer(ctx, tx, *c); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "container.step", c.PlanID, "container", c.ID, actorID, events.EventPayload{"node_id": node.ID, "node_label": node.Label}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	node.State = domain.ActivityStateInProcess
	return nil
}

// dispatchNode resolves the terminal for an activity node and calls it.
// Structural nodes (plan, subplan) have nothing to dispatch and succeed
// immediately.
func (e *Engine) dispatchNode(ctx context.Context, node *domain.PlanNode, c domain.Container) (terminal.ActionResult, error) {
	if node.Kind != domain.KindActivity || node.ActivityTemplateID == nil {
		return terminal.ActionResult{Response: domain.ResponseSuccess}, nil
	}
	tpl, err := e.Repo.GetActivityTemplate(ctx, *node.ActivityTemplateID)
	if errors.Is(err, repo.ErrNotFound) {
		return terminal.ActionResult{}, &terminal.NotFoundError{Name: *node.ActivityTemplateID}
	}
	if err != nil {
		return terminal.ActionResult{}, err
	}
	t, err := e.Repo.GetTerminal(ctx, tpl.TerminalID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && t.Endpoint == "") {
		return terminal.ActionResult{}, &terminal.NotFoundError{Name: tpl.Name}
	}
	if err != nil {
		return terminal.ActionResult{}, err
	}

	authToken := ""
	if tpl.NeedsAuthentication {
		if node.AuthTokenID == nil {
			return terminal.ActionResult{}, &terminal.AuthenticationRequiredError{ActivityID: node.ID, TemplateName: tpl.Name}
		}
		tok, err := e.Repo.GetAuthToken(ctx, *node.AuthTokenID)
		if errors.Is(err, repo.ErrNotFound) {
			return terminal.ActionResult{}, &terminal.AuthenticationRequiredError{ActivityID: node.ID, TemplateName: tpl.Name}
		}
		if err != nil {
			return terminal.ActionResult{}, err
		}
		authToken = tok.Token
	}

	req := terminal.ActionRequest{
		ActivityID:  node.ID,
		ContainerID: c.ID,
		AuthToken:   authToken,
	}
	if node.CrateStorage != "" {
		req.Config = []byte(node.CrateStorage)
	}
	if c.Payload != "" {
		req.Payload = []byte(c.Payload)
	}
	return e.Dispatcher.Dispatch(ctx, t, tpl.Name, req)
}

func (e *Engine) applyVerdict(ctx context.Context, plan domain.Plan, tree *plantree.Tree, c domain.Container, node *domain.PlanNode, result terminal.ActionResult, actorID string) (domain.Container, error) {
	advance := func(next *domain.PlanNode) {
		c.CurrentNodeID = nil
		c.NextNodeID = nil
		if next != nil {
			id := next.ID
			c.CurrentNodeID = &id
		}
	}

	switch result.Response {
	case domain.ResponseSuccess, domain.ResponseNull, domain.ResponseRequestLaunch, domain.ResponseShowDocumentation:
		next, err := tree.NextPreOrder(node.ID)
		if err != nil {
			return c, err
		}
		advance(next)
		return c, e.persistStepResult(ctx, c, node.ID, domain.ActivityStateCompleted, nil)

	case domain.ResponseSkipChildren:
		next, err := tree.NextSkippingChildren(node.ID)
		if err != nil {
			return c, err
		}
		advance(next)
		return c, e.persistStepResult(ctx, c, node.ID, domain.ActivityStateCompleted, nil)

	case domain.ResponseReProcessChildren:
		// Children re-run from scratch; the node itself stays done.
		subtree, err := tree.Subtree(node.ID)
		if err != nil {
			return c, err
		}
		reset := subtree[1:]
		next := tree.FirstChild(node.ID)
		if next == nil {
			n, err := tree.NextSkippingChildren(node.ID)
			if err != nil {
				return c, err
			}
			next = n
		} else {
			for _, id := range reset {
				n, _ := tree.Get(id)
				if n != nil {
					n.State = domain.ActivityStateUnstarted
				}
			}
		}
		advance(next)
		return c, e.persistStepResult(ctx, c, node.ID, domain.ActivityStateCompleted, reset)

	case domain.ResponseRequestSuspend, domain.ResponseExecuteClientActivity:
		// Node stays in_process; the next Continue resumes from it.
		c.State = domain.ContainerStateSuspended
		c.UpdatedAt = e.timestamp()
		evtType := "container.suspended"
		if result.Response == domain.ResponseExecuteClientActivity {
			evtType = "container.awaiting_client"
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return c, err
		}
		defer tx.Rollback()
		if err := e.Repo.UpdateContainer(ctx, tx, c); err != nil {
			return c, err
		}
		if err := e.Events.Append(ctx, tx, evtType, c.PlanID, "container", c.ID, actorID, events.EventPayload{"node_id": node.ID}); err != nil {
			return c, err
		}
		return c, tx.Commit()

	case domain.ResponseRequestTerminate:
		advance(nil)
		if err := e.persistStepResult(ctx, c, node.ID, domain.ActivityStateCompleted, nil); err != nil {
			return c, err
		}
		return e.finalize(ctx, plan, c, domain.ContainerStateCompleted, actorID, "container.terminated", events.EventPayload{"node_id": node.ID})

	case domain.ResponseJumpToActivity:
		target := result.TargetNodeID
		if target == "" || !tree.Contains(target) {
			jumpErr := &InvalidJumpTargetError{ContainerID: c.ID, TargetID: target}
			c, _ = e.failRun(ctx, plan, c, node, actorID, jumpErr.Error())
			return c, jumpErr
		}
		// The jump target and its subtree run again from scratch.
		subtree, err := tree.Subtree(target)
		if err != nil {
			return c, err
		}
		for _, id := range subtree {
			n, _ := tree.Get(id)
			if n != nil {
				n.State = domain.ActivityStateUnstarted
			}
		}
		tid := target
		c.CurrentNodeID = &tid
		c.NextNodeID = nil
		return c, e.persistStepResult(ctx, c, node.ID, domain.ActivityStateCompleted, subtree)

	case domain.ResponseLaunchAdditionalPlan:
		if result.TargetPlanID != "" {
			launched, err := e.launchAdditional(ctx, result.TargetPlanID, actorID)
			if err != nil {
				c, _ = e.failRun(ctx, plan, c, node, actorID, err.Error())
				return c, fmt.Errorf("launch additional plan %s: %w", result.TargetPlanID, err)
			}
			e.log().Info("launched additional plan", "plan_id", result.TargetPlanID, "container_id", launched)
		}
		next, err := tree.NextPreOrder(node.ID)
		if err != nil {
			return c, err
		}
		advance(next)
		return c, e.persistStepResult(ctx, c, node.ID, domain.ActivityStateCompleted, nil)

	case domain.ResponseError:
		msg := result.ErrorMessage
		c, _ = e.failRunNodeState(ctx, plan, c, node, actorID, msg)
		return c, &InvalidStateTransitionError{NodeID: node.ID, State: domain.ActivityStateError}

	default:
		argErr := &ArgumentError{Msg: fmt.Sprintf("node %s returned unknown verdict %q", node.ID, result.Response)}
		c, _ = e.failRun(ctx, plan, c, node, actorID, argErr.Error())
		return c, argErr
	}
}

// launchAdditional creates a container for another plan and runs it in the
// background, independent of the current run.
func (e *Engine) launchAdditional(ctx context.Context, planID, actorID string) (string, error) {
	if _, err := e.Repo.GetPlan(ctx, planID); err != nil {
		return "", err
	}
	go func() {
		bg := context.Background()
		if _, err := e.RunPlan(bg, planID, actorID); err != nil {
			e.log().Error("additional plan run failed", "plan_id", planID, "error", err)
		}
	}()
	return planID, nil
}

// persistStepResult records a finished step: node state, optional subtree
// resets, and the advanced container pointers, in one transaction.
func (e *Engine) persistStepResult(ctx context.Context, c domain.Container, nodeID, nodeState string, resetNodeIDs []string) error {
	c.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateNodeState(ctx, tx, nodeID, nodeState); err != nil {
		return err
	}
	for _, id := range resetNodeIDs {
		if id == nodeID {
			continue
		}
		if err := e.Repo.UpdateNodeState(ctx, tx, id, domain.ActivityStateUnstarted); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdateContainer(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// finalize settles the container in a terminal state. A completed run of a
// run_once plan also deactivates the plan.
func (e *Engine) finalize(ctx context.Context, plan domain.Plan, c domain.Container, state, actorID, evtType string, payload events.EventPayload) (domain.Container, error) {
	c.State = state
	c.CurrentNodeID = nil
	c.NextNodeID = nil
	c.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateContainer(ctx, tx, c); err != nil {
		return c, err
	}
	if state == domain.ContainerStateCompleted && plan.PlanType == domain.PlanTypeRunOnce && plan.State == domain.PlanStateActive {
		if err := e.Repo.UpdatePlanState(ctx, tx, plan.ID, domain.PlanStateInactive, c.UpdatedAt); err != nil {
			return c, err
		}
		if err := e.Events.Append(ctx, tx, "plan.deactivated", plan.ID, "plan", plan.ID, actorID, events.EventPayload{"reason": "run_once completed"}); err != nil {
			return c, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, c.PlanID, "container", c.ID, actorID, payload); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// failRun halts the run: the offending node (if any) goes to error, the
// pointers clear, the container fails.
func (e *Engine) failRun(ctx context.Context, plan domain.Plan, c domain.Container, node *domain.PlanNode, actorID, reason string) (domain.Container, error) {
	if node != nil {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return c, err
		}
		if err := e.Repo.UpdateNodeState(ctx, tx, node.ID, domain.ActivityStateError); err != nil {
			tx.Rollback()
			return c, err
		}
		if err := tx.Commit(); err != nil {
			return c, err
		}
	}
	return e.finalize(ctx, plan, c, domain.ContainerStateFailed, actorID, "container.failed", events.EventPayload{"reason": reason})
}

// failRunNodeState is failRun for an explicit Error verdict, keeping the
// terminal's message in the event log.
func (e *Engine) failRunNodeState(ctx context.Context, plan domain.Plan, c domain.Container, node *domain.PlanNode, actorID, message string) (domain.Container, error) {
	payload := events.EventPayload{"node_id": node.ID}
	if message != "" {
		payload["message"] = message
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	if err := e.Repo.UpdateNodeState(ctx, tx, node.ID, domain.ActivityStateError); err != nil {
		tx.Rollback()
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return e.finalize(ctx, plan, c, domain.ContainerStateFailed, actorID, "container.failed", payload)
}
