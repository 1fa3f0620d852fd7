// Package poller re-invokes terminals on a recurring schedule until they
// report success or exhaust their retry budget. Jobs survive restarts: they
// are persisted and re-armed when the scheduler starts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dockyard/internal/domain"
	"dockyard/internal/repo"
)

// Retry budgets. Transport silence gets a generous budget; an explicit
// negative answer from the terminal a short one.
const (
	maxNoAnswerRetries = 20
	maxFailureRetries  = 3
)

// PollClient is the outbound polling call. *terminal.Client satisfies it.
type PollClient interface {
	Poll(ctx context.Context, t domain.Terminal, data domain.PollingData) (domain.PollingData, error)
}

type Scheduler struct {
	Repo             repo.Repo
	Client           PollClient
	Log              *slog.Logger
	Now              func() time.Time
	FallbackInterval time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// JobID builds the composite job key. One job per (terminal, external
// account) pair.
func JobID(terminalToken, externalAccountID string) string {
	return terminalToken + "|" + externalAccountID
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) fallback() time.Duration {
	if s.FallbackInterval > 0 {
		return s.FallbackInterval
	}
	return 10 * time.Minute
}

// Start re-arms every persisted job and starts the clock.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron == nil {
		s.cron = cron.New()
		s.entries = make(map[string]cron.EntryID)
	}
	s.mu.Unlock()

	jobs, err := s.Repo.ListPollingJobs(ctx)
	if err != nil {
		return fmt.Errorf("load polling jobs: %w", err)
	}
	for _, j := range jobs {
		if err := s.schedule(j.JobID, j.Data.PollingIntervalInMinutes); err != nil {
			s.log().Error("re-arm polling job", "job_id", j.JobID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the clock; in-flight ticks finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Register creates or refreshes a recurring job. TriggerImmediately fires
// one tick right away in addition to the schedule.
func (s *Scheduler) Register(ctx context.Context, terminalToken string, data domain.PollingData) (domain.PollingJob, error) {
	if terminalToken == "" {
		return domain.PollingJob{}, errors.New("terminal token is required")
	}
	if data.ExternalAccountID == "" {
		return domain.PollingJob{}, errors.New("external account id is required")
	}
	if data.PollingIntervalInMinutes <= 0 {
		data.PollingIntervalInMinutes = 1
	}
	job := domain.PollingJob{
		JobID:         JobID(terminalToken, data.ExternalAccountID),
		TerminalToken: terminalToken,
		Data:          data,
		UpdatedAt:     s.now().UTC().Format(time.RFC3339),
	}
	job.Data.JobID = job.JobID
	if err := s.Repo.SavePollingJob(ctx, job); err != nil {
		return domain.PollingJob{}, err
	}
	if err := s.schedule(job.JobID, job.Data.PollingIntervalInMinutes); err != nil {
		return domain.PollingJob{}, err
	}
	if data.TriggerImmediately {
		go func() {
			if err := s.Tick(context.Background(), job.JobID); err != nil {
				s.log().Error("immediate poll tick", "job_id", job.JobID, "error", err)
			}
		}()
	}
	return job, nil
}

// Tick runs one poll cycle for a job. Errors are contained to the job; they
// never escalate to any plan's container.
func (s *Scheduler) Tick(ctx context.Context, jobID string) error {
	job, err := s.Repo.GetPollingJob(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		s.unschedule(jobID)
		return nil
	}
	if err != nil {
		return err
	}

	term, err := s.Repo.GetTerminalBySecret(ctx, job.TerminalToken)
	if errors.Is(err, repo.ErrNotFound) {
		s.log().Warn("polling job has no terminal, removing", "job_id", jobID)
		return s.remove(ctx, jobID)
	}
	if err != nil {
		return err
	}

	// Renew the auth token each tick. A missing token removes the job at
	// once; no retry budget applies to this path.
	tok, err := s.Repo.FindAuthToken(ctx, term.ID, job.Data.ExternalAccountID, job.Data.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		s.log().Info("no auth token for polling job, removing", "job_id", jobID)
		return s.remove(ctx, jobID)
	}
	if err != nil {
		return err
	}
	job.Data.AuthToken = tok.Token
	job.Data.JobID = jobID

	resp, err := s.Client.Poll(ctx, term, job.Data)
	if err != nil {
		return s.handleNoAnswer(ctx, job, err)
	}
	return s.handleAnswer(ctx, job, resp)
}

/// handleNoAnswer applies the transport-failure branch: one fallback
// reschedule if the last known result was success, otherwise a bounded
// retry counter.
func (s *Scheduler) handleNoAnswer(ctx context.Context, job domain.PollingJob, cause error) error {
	if job.Data.Result {
		s.log().Warn("terminal stopped answering, falling back", "job_id", job.JobID, "error", cause)
		// Only the success flag flips; the retry counter keeps burning so a
		// flapping terminal cannot renew its budget.
		job.Data.Result = false
		return s.saveAndReschedule(ctx, job, int(s.fallback().Minutes()))
	}
	job.Data.RetryCounter++
	if job.Data.RetryCounter > maxNoAnswerRetries {
		s.log().Warn("polling retry budget exhausted, removing", "job_id", job.JobID)
		return s.remove(ctx, job.JobID)
	}
	return s.saveAndReschedule(ctx, job, job.Data.PollingIntervalInMinutes)
}

// handleAnswer applies the terminal's response: a negative result burns the
// short retry budget, a positive one resets it. Either way the terminal
// controls the next interval.
func (s *Scheduler) handleAnswer(ctx context.Context, job domain.PollingJob, resp domain.PollingData) error {
	interval := resp.PollingIntervalInMinutes
	if interval <= 0 {
		interval = job.Data.PollingIntervalInMinutes
	}
	job.Data.PollingIntervalInMinutes = interval
	job.Data.AdditionalConfiguration = resp.AdditionalConfiguration
	job.Data.Result = resp.Result

	if !resp.Result {
		job.Data.RetryCounter++
		if job.Data.RetryCounter > maxFailureRetries {
			s.log().Info("terminal keeps reporting failure, removing job", "job_id", job.JobID)
			return s.remove(ctx, job.JobID)
		}
	} else {
		job.Data.RetryCounter = 0
	}
	return s.saveAndReschedule(ctx, job, interval)
}

func (s *Scheduler) saveAndReschedule(ctx context.Context, job domain.PollingJob, intervalMinutes int) error {
	job.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.SavePollingJob(ctx, job); err != nil {
		return err
	}
	return s.schedule(job.JobID, intervalMinutes)
}

func (s *Scheduler) remove(ctx context.Context, jobID string) error {
	s.unschedule(jobID)
	err := s.Repo.DeletePollingJob(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// schedule (re)arms the cron entry for a job. A nil cron means the scheduler
// is not started, which is fine in tests driving Tick directly.
func (s *Scheduler) schedule(jobID string, intervalMinutes int) error {
	if intervalMinutes <= 0 {
		intervalMinutes = 1
	}
	if intervalMinutes > 59 {
		intervalMinutes = 59
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
	}
	spec := fmt.Sprintf("*/%d * * * *", intervalMinutes)
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.Tick(context.Background(), jobID); err != nil {
			s.log().Error("poll tick", "job_id", jobID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobID, err)
	}
	s.entries[jobID] = id
	return nil
}

func (s *Scheduler) unschedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
}

// SplitJobID recovers the composite parts of a job key.
func SplitJobID(jobID string) (terminalToken, externalAccountID string, ok bool) {
	i := strings.IndexByte(jobID, '|')
	if i < 0 {
		return "", "", false
	}
	return jobID[:i], jobID[i+1:], true
}
