package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Alarms schedules one-shot deferred continuations. An alarm firing for a
// container that meanwhile finished is a no-op failure logged and dropped.
type Alarms struct {
	Fire func(ctx context.Context, containerID string) error
	Log  *slog.Logger
	Now  func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (a *Alarms) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Alarms) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Schedule arms (or re-arms) an alarm for the container at the given time.
// Times in the past fire immediately.
func (a *Alarms) Schedule(containerID string, at time.Time) error {
	if containerID == "" {
		return errors.New("container id is required")
	}
	delay := time.Until(at)
	if a.Now != nil {
		delay = at.Sub(a.now())
	}
	if delay < 0 {
		delay = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timers == nil {
		a.timers = make(map[string]*time.Timer)
	}
	if t, ok := a.timers[containerID]; ok {
		t.Stop()
	}
	a.timers[containerID] = time.AfterFunc(delay, func() {
		a.mu.Lock()
		delete(a.timers, containerID)
		a.mu.Unlock()
		if err := a.Fire(context.Background(), containerID); err != nil {
			a.log().Error("alarm continuation failed", "container_id", containerID, "error", err)
		}
	})
	return nil
}

// Cancel drops a pending alarm if one exists.
func (a *Alarms) Cancel(containerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[containerID]; ok {
		t.Stop()
		delete(a.timers, containerID)
	}
}

// Stop cancels every pending alarm.
func (a *Alarms) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
