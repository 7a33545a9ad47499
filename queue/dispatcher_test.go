package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/queue/sqlite"
	"github.com/obox-cloud/obox/types"
)

type recorder struct {
	mu       sync.Mutex
	seen     []types.JobType
	outcomes map[string]int
	alerts   []error
	done     chan struct{}
	want     int
}

func newRecorder(want int) *recorder {
	return &recorder{outcomes: map[string]int{}, done: make(chan struct{}), want: want}
}

func (r *recorder) handle(err error) queue.Handler {
	return func(_ context.Context, job *types.Job) error {
		r.mu.Lock()
		r.seen = append(r.seen, job.Type)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) JobFinished(_ types.JobType, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
	total := 0
	for _, n := range r.outcomes {
		total += n
	}
	if total == r.want {
		close(r.done)
	}
}

func (r *recorder) Alert(_ context.Context, _ *types.Job, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, err)
}

func openQueue(t *testing.T) *sqlite.Queue {
	t.Helper()
	q, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), sqlite.Options{MaxAttempts: 2})
	require.NoError(t, err)
	return q
}

func run(t *testing.T, d *queue.Dispatcher, r *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("jobs did not finish")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestCriticalRunsBeforeLow(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	q := openQueue(t)

	_, err := queue.Submit(ctx, q, types.JobSyncState, struct{}{})
	require.NoError(t, err)
	_, err = queue.Submit(ctx, q, types.JobDestroy, types.DestroyPayload{})
	require.NoError(t, err)

	r := newRecorder(2)
	d := queue.NewDispatcher(q, queue.Options{Workers: 1, PollInterval: 10 * time.Millisecond, Observer: r, Alerts: r})
	d.Register(types.JobSyncState, r.handle(nil))
	d.Register(types.JobDestroy, r.handle(nil))
	run(t, d, r)
	require.NoError(t, q.Close())

	assert.Equal(t, []types.JobType{types.JobDestroy, types.JobSyncState}, r.seen)
	assert.Equal(t, 2, r.outcomes[queue.OutcomeCompleted])
}

func TestFailureRetriesThenFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	q := openQueue(t)
	_, err := queue.Submit(ctx, q, types.JobCreate, types.CreatePayload{})
	require.NoError(t, err)

	r := newRecorder(2)
	d := queue.NewDispatcher(q, queue.Options{
		Workers: 2, PollInterval: 5 * time.Millisecond, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		Observer: r, Alerts: r,
	})
	d.Register(types.JobCreate, r.handle(errors.New("apply failed")))
	run(t, d, r)

	failed, err := q.List(ctx, types.JobFailed)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.Equal(t, 1, r.outcomes[queue.OutcomeRetried])
	assert.Equal(t, 1, r.outcomes[queue.OutcomeFailed])
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, "apply failed", failed[0].LastError)
	require.Len(t, r.alerts, 1)
}

func TestPermanentAndUnknownTypeFailImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	q := openQueue(t)
	_, err := queue.Submit(ctx, q, types.JobAction, types.ActionPayload{Action: "explode"})
	require.NoError(t, err)
	_, err = queue.Submit(ctx, q, types.JobType("mystery"), struct{}{})
	require.NoError(t, err)

	r := newRecorder(2)
	d := queue.NewDispatcher(q, queue.Options{Workers: 1, PollInterval: 5 * time.Millisecond, Observer: r, Alerts: r})
	d.Register(types.JobAction, r.handle(queue.Permanent(errors.New("unknown action"))))
	run(t, d, r)
	require.NoError(t, q.Close())

	assert.Equal(t, 2, r.outcomes[queue.OutcomeFailed])
	assert.Len(t, r.alerts, 2)
}

func TestPanicIsPermanent(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	q := openQueue(t)
	_, err := queue.Submit(ctx, q, types.JobNotify, types.Event{})
	require.NoError(t, err)

	r := newRecorder(1)
	d := queue.NewDispatcher(q, queue.Options{Workers: 1, PollInterval: 5 * time.Millisecond, Observer: r, Alerts: r})
	d.Register(types.JobNotify, func(context.Context, *types.Job) error { panic("nil map") })
	run(t, d, r)
	require.NoError(t, q.Close())

	require.Len(t, r.alerts, 1)
	assert.True(t, queue.IsPermanent(r.alerts[0]))
}

func TestBackoff(t *testing.T) {
	base, maxDelay := 10*time.Second, 5*time.Minute
	assert.Equal(t, 10*time.Second, queue.Backoff(base, maxDelay, 1))
	assert.Equal(t, 20*time.Second, queue.Backoff(base, maxDelay, 2))
	assert.Equal(t, 40*time.Second, queue.Backoff(base, maxDelay, 3))
	assert.Equal(t, maxDelay, queue.Backoff(base, maxDelay, 10))
	assert.Equal(t, base, queue.Backoff(base, maxDelay, 0))
}

func TestSubmitUsesDefaultPriority(t *testing.T) {
	job, err := queue.NewJob(types.JobDestroy, types.DestroyPayload{})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityCritical, job.Priority)

	job, err = queue.NewJob(types.JobSyncState, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityLow, job.Priority)
}
