// Package queue holds the job queue contract and the dispatcher that drains
// it through a bounded worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/obox-cloud/obox/types"
)

// ErrJobNotFound is returned for operations on a job ID the queue does not hold.
var ErrJobNotFound = errors.New("job not found")

// Queue is a durable priority queue with at-least-once delivery.
// Jobs are claimed in (priority, enqueue order); FIFO within a level.
type Queue interface {
	// Enqueue stores a ready job. If job.Key is set and a ready or running
	// job with that key exists, the existing ID is returned instead.
	Enqueue(ctx context.Context, job *types.Job) (string, error)
	// Schedule registers a recurring job under key, replacing any previous
	// registration with the same key.
	Schedule(ctx context.Context, key string, typ types.JobType, payload json.RawMessage, prio types.Priority, every time.Duration) error
	Unschedule(ctx context.Context, key string) error
	// Promote enqueues every recurring job due at now, keyed by its
	// schedule key, and returns how many were enqueued.
	Promote(ctx context.Context, now time.Time) (int, error)
	// Claim marks the next due job running and returns it; nil when idle.
	Claim(ctx context.Context, now time.Time) (*types.Job, error)
	Complete(ctx context.Context, id string) error
	// Retry makes a claimed job ready again at runAt.
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	// Fail parks a job in the failed state.
	Fail(ctx context.Context, id string, lastErr string) error
	// Recover returns jobs left running by a dead process to ready.
	Recover(ctx context.Context) (int, error)
	// List returns jobs in state, or all jobs when state is empty.
	List(ctx context.Context, state types.JobState) ([]*types.Job, error)
	Close() error
}

// NewJob builds a job for typ at its default priority.
func NewJob(typ types.JobType, payload any) (*types.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &types.Job{Type: typ, Payload: raw, Priority: types.DefaultPriority(typ)}, nil
}

// Submit builds and enqueues a job in one call.
func Submit(ctx context.Context, q Queue, typ types.JobType, payload any) (string, error) {
	job, err := NewJob(typ, payload)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, job)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the dispatcher fails the job at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per previous attempt, capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
