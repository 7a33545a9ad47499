package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/types"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) (*Queue, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	q, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), Options{MaxAttempts: 3, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, clk
}

func enqueue(t *testing.T, q *Queue, typ types.JobType, prio types.Priority) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &types.Job{Type: typ, Priority: prio})
	require.NoError(t, err)
	return id
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, clk := openTest(t)

	low := enqueue(t, q, types.JobSyncState, types.PriorityLow)
	high1 := enqueue(t, q, types.JobCreate, types.PriorityHigh)
	crit := enqueue(t, q, types.JobDestroy, types.PriorityCritical)
	high2 := enqueue(t, q, types.JobUpdate, types.PriorityHigh)

	var order []string
	for {
		job, err := q.Claim(ctx, clk.Now())
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, types.JobRunning, job.State)
		assert.Equal(t, 1, job.Attempts)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{crit, high1, high2, low}, order)
}

func TestKeyedEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	q, clk := openTest(t)

	first, err := q.Enqueue(ctx, &types.Job{Type: types.JobSyncState, Key: types.SyncKey, Priority: types.PriorityLow})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, &types.Job{Type: types.JobSyncState, Key: types.SyncKey, Priority: types.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	job, err := q.Claim(ctx, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	running, err := q.Enqueue(ctx, &types.Job{Type: types.JobSyncState, Key: types.SyncKey})
	require.NoError(t, err)
	assert.Equal(t, first, running, "running job still holds the key")

	require.NoError(t, q.Complete(ctx, job.ID))
	third, err := q.Enqueue(ctx, &types.Job{Type: types.JobSyncState, Key: types.SyncKey})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestRetryDelaysAndFailParks(t *testing.T) {
	ctx := context.Background()
	q, clk := openTest(t)
	id := enqueue(t, q, types.JobCreate, types.PriorityHigh)

	job, err := q.Claim(ctx, clk.Now())
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, id, clk.Now().Add(10*time.Second), "boom"))

	job, err = q.Claim(ctx, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, job, "retry is not due yet")

	clk.Advance(10 * time.Second)
	job, err = q.Claim(ctx, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "boom", job.LastError)

	require.NoError(t, q.Fail(ctx, id, "still boom"))
	failed, err := q.List(ctx, types.JobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "still boom", failed[0].LastError)

	assert.ErrorIs(t, q.Complete(ctx, "missing"), queue.ErrJobNotFound)
}

func TestRecoverRequeuesRunning(t *testing.T) {
	ctx := context.Background()
	q, clk := openTest(t)
	enqueue(t, q, types.JobCreate, types.PriorityHigh)
	_, err := q.Claim(ctx, clk.Now())
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, err := q.List(ctx, types.JobReady)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestPromoteRecurring(t *testing.T) {
	ctx := context.Background()
	q, clk := openTest(t)
	require.NoError(t, q.Schedule(ctx, types.SyncKey, types.JobSyncState, json.RawMessage("{}"), types.PriorityLow, 5*time.Minute))

	n, err := q.Promote(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.Promote(ctx, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due again yet")

	// due again while the previous run is still queued: deduplicated.
	n, err = q.Promote(ctx, clk.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	jobs, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.SyncKey, jobs[0].Key)
	assert.Equal(t, types.PriorityLow, jobs[0].Priority)

	require.NoError(t, q.Unschedule(ctx, types.SyncKey))
	n, err = q.Promote(ctx, clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScheduleSameKeyReplacesInterval(t *testing.T) {
	ctx := context.Background()
	q, clk := openTest(t)
	require.NoError(t, q.Schedule(ctx, types.SyncKey, types.JobSyncState, json.RawMessage("{}"), types.PriorityLow, 5*time.Minute))
	require.NoError(t, q.Schedule(ctx, types.SyncKey, types.JobSyncState, json.RawMessage("{}"), types.PriorityLow, time.Minute))

	var rows int
	var every int64
	require.NoError(t, q.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(every) FROM recurring`).Scan(&rows, &every))
	assert.Equal(t, 1, rows)
	assert.Equal(t, int64(time.Minute), every)

	n, err := q.Promote(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job, err := q.Claim(ctx, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job.ID))

	// due again after the second interval, not the first
	n, err = q.Promote(ctx, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
