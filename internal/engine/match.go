package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dockyard/internal/crate"
	"dockyard/internal/domain"
)

// EventReportLabel is the label under which an incoming event's payload crate
// travels in the launched container.
const EventReportLabel = "Standard Event Report"

// SubscriptionMatches reports whether one subscription is satisfied by an
// incoming report. Event names compare case-insensitively; empty subscription
// fields act as wildcards.
func SubscriptionMatches(sub crate.EventSubscription, report crate.EventReport) bool {
	if sub.Manufacturer != "" && !strings.EqualFold(sub.Manufacturer, report.Manufacturer) {
		return false
	}
	if sub.ExternalAccountID != "" && sub.ExternalAccountID != report.ExternalAccountID {
		return false
	}
	if len(sub.EventNames) == 0 {
		return false
	}
	for _, want := range sub.EventNames {
		for _, got := range report.EventNames {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got)) {
				return true
			}
		}
	}
	return false
}

// MatchPlans returns the subset of plans holding at least one event
// subscription crate satisfied by the report. Only node crate storage is
// inspected; a plan with no subscription crates never matches.
func (e *Engine) MatchPlans(ctx context.Context, plans []domain.Plan, report crate.EventReport) ([]domain.Plan, error) {
	var matched []domain.Plan
	for _, p := range plans {
		nodes, err := e.Repo.ListPlanNodes(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load nodes of plan %s: %w", p.ID, err)
		}
		if plansNodesMatch(nodes, report) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func plansNodesMatch(nodes []domain.PlanNode, report crate.EventReport) bool {
	for _, n := range nodes {
		storage, err := crate.Parse(n.CrateStorage)
		if err != nil {
			continue
		}
		for _, c := range storage.OfType(crate.ManifestEventSubscription) {
			sub, ok := c.Content.(crate.EventSubscription)
			if !ok {
				continue
			}
			if SubscriptionMatches(sub, report) {
				return true
			}
		}
	}
	return false
}

// HandleEventReport matches an incoming report against every active plan and
// launches (or resumes) a container per match, seeded with the report crate.
// A failure in one plan's run does not stop the others.
func (e *Engine) HandleEventReport(ctx context.Context, report crate.EventReport, actorID string) ([]domain.Container, error) {
	plans, err := e.Repo.ListPlans(ctx, domain.PlanStateActive)
	if err != nil {
		return nil, err
	}
	matched, err := e.MatchPlans(ctx, plans, report)
	if err != nil {
		return nil, err
	}

	var launched []domain.Container
	var errs []error
	for _, p := range matched {
		c, err := e.deliverToPlan(ctx, p, report, actorID)
		if err != nil {
			e.log().Error("event delivery failed", "plan_id", p.ID, "error", err)
			errs = append(errs, fmt.Errorf("plan %s: %w", p.ID, err))
			continue
		}
		launched = append(launched, c)
	}
	return launched, errors.Join(errs...)
}

// deliverToPlan resumes a suspended container of the plan if one exists,
// replacing its event report crate; otherwise it starts a fresh run.
func (e *Engine) deliverToPlan(ctx context.Context, p domain.Plan, report crate.EventReport, actorID string) (domain.Container, error) {
	seed := crate.New(EventReportLabel, report)
	seed.Availability = crate.AvailabilityRunTime

	containers, err := e.Repo.ListContainers(ctx, p.ID)
	if err != nil {
		return domain.Container{}, err
	}
	for _, c := range containers {
		if c.State != domain.ContainerStateSuspended {
			continue
		}
		storage, err := crate.Parse(c.Payload)
		if err != nil {
			return domain.Container{}, err
		}
		storage.ReplaceByLabel(seed)
		payload, err := crate.Serialize(storage)
		if err != nil {
			return domain.Container{}, err
		}
		c.Payload = payload
		c.UpdatedAt = e.timestamp()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Container{}, err
		}
		if err := e.Repo.UpdateContainer(ctx, tx, c); err != nil {
			tx.Rollback()
			return domain.Container{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Container{}, err
		}
		return e.Continue(ctx, c.ID, actorID)
	}
	return e.RunPlan(ctx, p.ID, actorID, seed)
}
