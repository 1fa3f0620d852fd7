package poller_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dockyard/internal/db"
	"dockyard/internal/domain"
	"dockyard/internal/migrate"
	"dockyard/internal/poller"
	"dockyard/internal/repo"
	"dockyard/internal/terminal"
)

type fakePollClient struct {
	calls []domain.PollingData
	resp  domain.PollingData
	err   error
}

func (f *fakePollClient) Poll(ctx context.Context, t domain.Terminal, data domain.PollingData) (domain.PollingData, error) {
	f.calls = append(f.calls, data)
	if f.err != nil {
		return domain.PollingData{}, f.err
	}
	return f.resp, nil
}

type pollEnv struct {
	Sched  *poller.Scheduler
	Repo   repo.Repo
	Client *fakePollClient
	Ctx    context.Context
}

// newPollEnv builds a scheduler over a fresh database without starting the
// cron clock, so tests drive Tick directly. One terminal is pre-registered
// with secret "tok-1".
func newPollEnv(t *testing.T) *pollEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertTerminal(ctx, nil, domain.Terminal{
		ID:        "term-1",
		Name:      "shipping",
		Version:   "1.0",
		Endpoint:  "http://terminal.local",
		Secret:    "tok-1",
		CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert terminal: %v", err)
	}
	fake := &fakePollClient{}
	return &pollEnv{
		Sched: &poller.Scheduler{
			Repo:             r,
			Client:           fake,
			Now:              func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
			FallbackInterval: 30 * time.Minute,
		},
		Repo:   r,
		Client: fake,
		Ctx:    ctx,
	}
}

func (env *pollEnv) seedToken(t *testing.T, accountID, userID string) {
	t.Helper()
	err := env.Repo.InsertAuthToken(env.Ctx, nil, domain.AuthorizationToken{
		ID:                "auth-" + accountID,
		UserID:            userID,
		TerminalID:        "term-1",
		ExternalAccountID: accountID,
		Token:             "secret-" + accountID,
		CreatedAt:         "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert auth token: %v", err)
	}
}

func (env *pollEnv) seedJob(t *testing.T, data domain.PollingData) string {
	t.Helper()
	job, err := env.Sched.Register(env.Ctx, "tok-1", data)
	if err != nil {
		t.Fatalf("register job: %v", err)
	}
	return job.JobID
}

func (env *pollEnv) getJob(t *testing.T, jobID string) domain.PollingJob {
	t.Helper()
	job, err := env.Repo.GetPollingJob(env.Ctx, jobID)
	if err != nil {
		t.Fatalf("get job %s: %v", jobID, err)
	}
	return job
}

func (env *pollEnv) jobGone(t *testing.T, jobID string) bool {
	t.Helper()
	_, err := env.Repo.GetPollingJob(env.Ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return true
	}
	if err != nil {
		t.Fatalf("get job %s: %v", jobID, err)
	}
	return false
}

func TestJobIDRoundTrip(t *testing.T) {
	id := poller.JobID("tok-1", "acct|9")
	tok, acct, ok := poller.SplitJobID(id)
	if !ok || tok != "tok-1" || acct != "acct|9" {
		t.Fatalf("split gave (%q,%q,%v)", tok, acct, ok)
	}
	if _, _, ok := poller.SplitJobID("no-separator"); ok {
		t.Fatal("expected split to fail without separator")
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newPollEnv(t)

	if _, err := env.Sched.Register(env.Ctx, "", domain.PollingData{ExternalAccountID: "acct-1"}); err == nil {
		t.Fatal("expected error for missing terminal token")
	}
	if _, err := env.Sched.Register(env.Ctx, "tok-1", domain.PollingData{}); err == nil {
		t.Fatal("expected error for missing external account id")
	}

	job, err := env.Sched.Register(env.Ctx, "tok-1", domain.PollingData{ExternalAccountID: "acct-1"})
	if err != nil {
		t.Fatal(err)
	}
	if job.JobID != poller.JobID("tok-1", "acct-1") {
		t.Fatalf("unexpected job id %s", job.JobID)
	}
	if job.Data.PollingIntervalInMinutes != 1 {
		t.Fatalf("expected interval defaulted to 1, got %d", job.Data.PollingIntervalInMinutes)
	}

	stored := env.getJob(t, job.JobID)
	if stored.TerminalToken != "tok-1" || stored.Data.JobID != job.JobID {
		t.Fatalf("stored job mismatch: %+v", stored)
	}
}

func TestTickUnknownJobIsNoop(t *testing.T) {
	env := newPollEnv(t)
	if err := env.Sched.Tick(env.Ctx, "tok-1|ghost"); err != nil {
		t.Fatalf("tick on unknown job: %v", err)
	}
	if len(env.Client.calls) != 0 {
		t.Fatal("unknown job must not reach the terminal")
	}
}

func TestTickRemovesJobWithoutTerminal(t *testing.T) {
	env := newPollEnv(t)
	// persist a job for a secret no terminal owns
	err := env.Repo.SavePollingJob(env.Ctx, domain.PollingJob{
		JobID:         poller.JobID("gone", "acct-1"),
		TerminalToken: "gone",
		Data:          domain.PollingData{ExternalAccountID: "acct-1", PollingIntervalInMinutes: 1},
		UpdatedAt:     "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Sched.Tick(env.Ctx, poller.JobID("gone", "acct-1")); err != nil {
		t.Fatal(err)
	}
	if !env.jobGone(t, poller.JobID("gone", "acct-1")) {
		t.Fatal("expected orphaned job removed")
	}
}

func TestTickRemovesJobWithoutAuthToken(t *testing.T) {
	env := newPollEnv(t)
	jobID := env.seedJob(t, domain.PollingData{ExternalAccountID: "acct-1", UserID: "user-1"})

	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if !env.jobGone(t, jobID) {
		t.Fatal("expected job without auth token removed")
	}
	if len(env.Client.calls) != 0 {
		t.Fatal("terminal must not be polled without a token")
	}
}

func TestTickRenewsAuthTokenEachCycle(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{ExternalAccountID: "acct-1", UserID: "user-1"})

	env.Client.resp = domain.PollingData{Result: true, PollingIntervalInMinutes: 5}
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if len(env.Client.calls) != 1 {
		t.Fatalf("expected 1 poll call, got %d", len(env.Client.calls))
	}
	if env.Client.calls[0].AuthToken != "secret-acct-1" {
		t.Fatalf("poll carried token %q", env.Client.calls[0].AuthToken)
	}
	if env.Client.calls[0].JobID != jobID {
		t.Fatalf("poll carried job id %q", env.Client.calls[0].JobID)
	}
}

func TestAnswerSuccessAdoptsTerminalInterval(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{
		ExternalAccountID:        "acct-1",
		UserID:                   "user-1",
		PollingIntervalInMinutes: 2,
		RetryCounter:             3,
	})

	env.Client.resp = domain.PollingData{
		Result:                   true,
		PollingIntervalInMinutes: 15,
		AdditionalConfiguration:  "cursor=abc",
	}
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}

	job := env.getJob(t, jobID)
	if job.Data.PollingIntervalInMinutes != 15 {
		t.Fatalf("expected interval 15, got %d", job.Data.PollingIntervalInMinutes)
	}
	if job.Data.RetryCounter != 0 {
		t.Fatalf("success must reset retry counter, got %d", job.Data.RetryCounter)
	}
	if !job.Data.Result {
		t.Fatal("expected result recorded as success")
	}
	if job.Data.AdditionalConfiguration != "cursor=abc" {
		t.Fatalf("expected terminal configuration kept, got %q", job.Data.AdditionalConfiguration)
	}
}

func TestAnswerZeroIntervalKeepsCurrent(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{
		ExternalAccountID:        "acct-1",
		UserID:                   "user-1",
		PollingIntervalInMinutes: 7,
	})

	env.Client.resp = domain.PollingData{Result: true}
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if got := env.getJob(t, jobID).Data.PollingIntervalInMinutes; got != 7 {
		t.Fatalf("expected interval 7 kept, got %d", got)
	}
}

func TestAnswerFailureBurnsShortBudget(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{ExternalAccountID: "acct-1", UserID: "user-1"})

	env.Client.resp = domain.PollingData{Result: false, PollingIntervalInMinutes: 1}

	// three failures are tolerated
	for want := 1; want <= 3; want++ {
		if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
			t.Fatal(err)
		}
		job := env.getJob(t, jobID)
		if job.Data.RetryCounter != want {
			t.Fatalf("after failure %d counter is %d", want, job.Data.RetryCounter)
		}
	}

	// the fourth removes the job
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if !env.jobGone(t, jobID) {
		t.Fatal("expected job removed after exhausting failure budget")
	}
}

func TestNoAnswerAfterSuccessFallsBackOnce(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{ExternalAccountID: "acct-1", UserID: "user-1"})

	// establish a last-known-good state
	env.Client.resp = domain.PollingData{Result: true, PollingIntervalInMinutes: 5}
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}

	// then the terminal goes silent
	env.Client.err = &terminal.UnreachableError{Endpoint: "http://terminal.local", Timeout: true, Err: errors.New("deadline exceeded")}
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}

	job := env.getJob(t, jobID)
	if job.Data.Result {
		t.Fatal("silence must clear the success flag")
	}
}

func TestNoAnswerFallbackKeepsCounter(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{
		ExternalAccountID: "acct-1",
		UserID:            "user-1",
		Result:            true,
		RetryCounter:      7,
	})

	env.Client.err = &terminal.UnreachableError{Endpoint: "http://terminal.local", Err: errors.New("connection refused")}
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}

	// only the success flag flips; the budget already burnt stays burnt
	job := env.getJob(t, jobID)
	if job.Data.Result {
		t.Fatal("silence must clear the success flag")
	}
	if job.Data.RetryCounter != 7 {
		t.Fatalf("fallback must keep the counter, got %d", job.Data.RetryCounter)
	}

	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if got := env.getJob(t, jobID).Data.RetryCounter; got != 8 {
		t.Fatalf("silence after fallback increments from the kept counter, got %d", got)
	}
}

func TestNoAnswerBurnsLongBudget(t *testing.T) {
	env := newPollEnv(t)
	env.seedToken(t, "acct-1", "user-1")
	jobID := env.seedJob(t, domain.PollingData{ExternalAccountID: "acct-1", UserID: "user-1"})

	env.Client.err = &terminal.UnreachableError{Endpoint: "http://terminal.local", Err: errors.New("connection refused")}

	for want := 1; want <= 20; want++ {
		if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
			t.Fatal(err)
		}
		job := env.getJob(t, jobID)
		if job.Data.RetryCounter != want {
			t.Fatalf("after silent tick %d counter is %d", want, job.Data.RetryCounter)
		}
	}

	// the 21st silent tick exhausts the budget
	if err := env.Sched.Tick(env.Ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if !env.jobGone(t, jobID) {
		t.Fatal("expected job removed after 20 unanswered polls")
	}
}
