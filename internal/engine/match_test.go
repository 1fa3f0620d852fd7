package engine_test

import (
	"testing"

	"dockyard/internal/crate"
	"dockyard/internal/domain"
	"dockyard/internal/engine"
	"dockyard/internal/terminal"
)

func TestSubscriptionMatches(t *testing.T) {
	report := crate.EventReport{
		EventNames:        []string{"Order.Created"},
		Manufacturer:      "Acme",
		ExternalAccountID: "acct-1",
	}

	cases := []struct {
		name string
		sub  crate.EventSubscription
		want bool
	}{
		{"exact", crate.EventSubscription{EventNames: []string{"Order.Created"}, Manufacturer: "Acme", ExternalAccountID: "acct-1"}, true},
		{"case-insensitive name", crate.EventSubscription{EventNames: []string{"order.created"}}, true},
		{"wildcard manufacturer", crate.EventSubscription{EventNames: []string{"Order.Created"}, ExternalAccountID: "acct-1"}, true},
		{"wrong manufacturer", crate.EventSubscription{EventNames: []string{"Order.Created"}, Manufacturer: "Other"}, false},
		{"wrong account", crate.EventSubscription{EventNames: []string{"Order.Created"}, ExternalAccountID: "acct-2"}, false},
		{"no names", crate.EventSubscription{}, false},
		{"disjoint names", crate.EventSubscription{EventNames: []string{"Order.Deleted"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.SubscriptionMatches(tc.sub, report); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func subscriptionStorage(t *testing.T, sub crate.EventSubscription) string {
	t.Helper()
	var s crate.Storage
	s.Add(crate.New("listen", sub))
	raw, err := crate.Serialize(s)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestEventReportLaunchesMatchingPlans(t *testing.T) {
	env := newTestEnv(t)
	planID, rootID := env.seedPlan(t, domain.PlanTypeOngoing)
	env.addNode(t, domain.PlanNode{
		ID:       "listener",
		PlanID:   planID,
		ParentID: &rootID,
		Kind:     domain.KindActivity,
		Ordering: 0,
		CrateStorage: subscriptionStorage(t, crate.EventSubscription{
			EventNames: []string{"order.created"},
		}),
	})
	if _, err := env.Engine.ActivatePlan(env.Ctx, planID, "tester"); err != nil {
		t.Fatal(err)
	}

	// a second, non-matching plan must stay quiet
	otherID, _ := env.seedPlan(t, domain.PlanTypeOngoing)
	if _, err := env.Engine.ActivatePlan(env.Ctx, otherID, "tester"); err != nil {
		t.Fatal(err)
	}

	report := crate.EventReport{EventNames: []string{"Order.Created"}}
	containers, err := env.Engine.HandleEventReport(env.Ctx, report, "external")
	if err != nil {
		t.Fatalf("handle report: %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected 1 launched container, got %d", len(containers))
	}
	if containers[0].PlanID != planID {
		t.Fatalf("launched for plan %s, want %s", containers[0].PlanID, planID)
	}
	if containers[0].State != domain.ContainerStateCompleted {
		t.Fatalf("expected completed run, got %s", containers[0].State)
	}
}

func TestInactivePlanNeverMatches(t *testing.T) {
	env := newTestEnv(t)
	planID, rootID := env.seedPlan(t, domain.PlanTypeOngoing)
	env.addNode(t, domain.PlanNode{
		ID:       "listener",
		PlanID:   planID,
		ParentID: &rootID,
		Kind:     domain.KindActivity,
		Ordering: 0,
		CrateStorage: subscriptionStorage(t, crate.EventSubscription{
			EventNames: []string{"order.created"},
		}),
	})

	containers, err := env.Engine.HandleEventReport(env.Ctx, crate.EventReport{EventNames: []string{"order.created"}}, "external")
	if err != nil {
		t.Fatal(err)
	}
	if len(containers) != 0 {
		t.Fatalf("inactive plan launched %d containers", len(containers))
	}
}

func TestEventReportResumesSuspendedContainer(t *testing.T) {
	env := newTestEnv(t)
	planID, rootID := env.seedPlan(t, domain.PlanTypeOngoing)
	env.addNode(t, domain.PlanNode{
		ID:       "waiter",
		PlanID:   planID,
		ParentID: &rootID,
		Kind:     domain.KindActivity,
		Ordering: 0,
		CrateStorage: subscriptionStorage(t, crate.EventSubscription{
			EventNames: []string{"order.created"},
		}),
	})
	if _, err := env.Engine.ActivatePlan(env.Ctx, planID, "tester"); err != nil {
		t.Fatal(err)
	}

	// first dispatch suspends; the event report should resume the same
	// container instead of starting a second one
	env.Dispatcher.script("waiter", terminal.ActionResult{Response: domain.ResponseRequestSuspend})
	suspended, err := env.Engine.RunPlan(env.Ctx, planID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if suspended.State != domain.ContainerStateSuspended {
		t.Fatalf("expected suspended, got %s", suspended.State)
	}

	containers, err := env.Engine.HandleEventReport(env.Ctx, crate.EventReport{
		EventNames: []string{"order.created"},
		Payload:    []crate.Field{{Key: "order_id", Value: "42"}},
	}, "external")
	if err != nil {
		t.Fatalf("handle report: %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(containers))
	}
	if containers[0].ID != suspended.ID {
		t.Fatalf("expected resume of %s, got %s", suspended.ID, containers[0].ID)
	}
	if containers[0].State != domain.ContainerStateCompleted {
		t.Fatalf("expected completed after resume, got %s", containers[0].State)
	}

	all, err := env.Engine.Repo.ListContainers(env.Ctx, planID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single container, got %d", len(all))
	}
}

func TestEventReportReplacesSeedCrate(t *testing.T) {
	env := newTestEnv(t)
	planID, rootID := env.seedPlan(t, domain.PlanTypeOngoing)
	env.addNode(t, domain.PlanNode{
		ID:       "waiter",
		PlanID:   planID,
		ParentID: &rootID,
		Kind:     domain.KindActivity,
		Ordering: 0,
		CrateStorage: subscriptionStorage(t, crate.EventSubscription{
			EventNames: []string{"order.created"},
		}),
	})
	if _, err := env.Engine.ActivatePlan(env.Ctx, planID, "tester"); err != nil {
		t.Fatal(err)
	}

	// stay suspended across two deliveries so the payload can be inspected
	env.Dispatcher.script("waiter",
		terminal.ActionResult{Response: domain.ResponseRequestSuspend},
		terminal.ActionResult{Response: domain.ResponseRequestSuspend},
	)
	if _, err := env.Engine.RunPlan(env.Ctx, planID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.HandleEventReport(env.Ctx, crate.EventReport{
		EventNames: []string{"order.created"},
		Payload:    []crate.Field{{Key: "n", Value: "2"}},
	}, "external"); err != nil {
		t.Fatal(err)
	}

	all, err := env.Engine.Repo.ListContainers(env.Ctx, planID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single container, got %d", len(all))
	}
	storage, err := crate.Parse(all[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	reports := storage.ByLabel(engine.EventReportLabel)
	if len(reports) != 1 {
		t.Fatalf("expected exactly one report crate, got %d", len(reports))
	}
	got, ok := reports[0].Content.(crate.EventReport)
	if !ok {
		t.Fatalf("unexpected content type %T", reports[0].Content)
	}
	if len(got.Payload) != 1 || got.Payload[0].Value != "2" {
		t.Fatalf("expected replaced report payload, got %+v", got.Payload)
	}
}
