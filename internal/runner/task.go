package runner

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// BackgroundTask is the handle of a job started without waiting. It is
// consumed by exactly one Wait; every later call fails.
type BackgroundTask struct {
	ID  int
	Job Job
	PID int

	mu       sync.Mutex
	consumed bool
	wait     func() (int, error)
	kill     func() error
}

// NewBackgroundTask wraps a started job. wait must block until the job ends
// and report its exit code; kill may be nil.
func NewBackgroundTask(id int, job Job, pid int, wait func() (int, error), kill func() error) *BackgroundTask {
	return &BackgroundTask{ID: id, Job: job, PID: pid, wait: wait, kill: kill}
}

// Wait blocks until the job terminates and returns its exit code.
func (t *BackgroundTask) Wait() (int, error) {
	if err := t.consume(); err != nil {
		return -1, err
	}
	return t.wait()
}

// Kill terminates the job and reaps it, consuming the handle. A job already
// stopped by its context's cancellation counts as cleanly killed.
func (t *BackgroundTask) Kill() error {
	if err := t.consume(); err != nil {
		return err
	}
	if t.kill != nil {
		if err := t.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debug().Err(err).Int("task", t.ID).Int("pid", t.PID).Msg("Kill signal failed")
		}
	}
	_, err := t.wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Consumed reports whether the handle has been joined or killed.
func (t *BackgroundTask) Consumed() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}

func (t *BackgroundTask) consume() error {
	if t == nil {
		return &InvalidHandleError{ID: -1, Reason: "nil task"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return &InvalidHandleError{ID: t.ID, Reason: "already joined"}
	}
	t.consumed = true
	return nil
}
