package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obox-cloud/obox/lock/flock"
	"github.com/obox-cloud/obox/lock/keyed"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

type fakeHypervisor struct {
	mu      sync.Mutex
	states  map[string]types.PowerState
	queries int
	// failures makes the next n State calls fail.
	failures int
}

func (f *fakeHypervisor) Type() string { return "fake" }

func (f *fakeHypervisor) State(_ context.Context, name string) (types.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("libvirt: connection reset")
	}
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return types.PowerUnknown, nil
}

func (f *fakeHypervisor) Start(context.Context, string) error     { return nil }
func (f *fakeHypervisor) Stop(context.Context, string) error      { return nil }
func (f *fakeHypervisor) ForceStop(context.Context, string) error { return nil }
func (f *fakeHypervisor) Reboot(context.Context, string) error    { return nil }
func (f *fakeHypervisor) Resources(context.Context, string) (*types.Resources, error) {
	return &types.Resources{}, nil
}

type recordingObserver struct{ summaries []Summary }

func (o *recordingObserver) ReconcileFinished(s Summary) { o.summaries = append(o.summaries, s) }

type fixture struct {
	store *records.JSON
	hv    *fakeHypervisor
	locks *keyed.Locks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		store: records.New(filepath.Join(dir, "vms.json"), flock.New(filepath.Join(dir, "vms.lock"))),
		hv:    &fakeHypervisor{states: map[string]types.PowerState{}},
		locks: keyed.New(filepath.Join(dir, "locks")),
	}
}

func (f *fixture) add(t *testing.T, display, name string, status types.Status) *types.VMRecord {
	t.Helper()
	rec, err := f.store.Insert(context.Background(), &types.VMRecord{
		OwnerID: "u1", DisplayName: display, ProvisioningName: name, Status: status,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) status(t *testing.T, id string) types.Status {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestRunWithinIntervalIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	web := f.add(t, "web1", "alice-web1-1", types.StatusRunning)
	f.hv.states["alice-web1-1"] = types.PowerStopped

	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	obs := &recordingObserver{}
	r := New(f.store, f.hv, f.locks, Options{MinInterval: 4 * time.Minute, Attempts: 1, Clock: clk, Observer: obs})

	first, err := r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, types.StatusStopped, f.status(t, web.ID))

	f.hv.states["alice-web1-1"] = types.PowerRunning
	clk.Advance(60 * time.Second)
	second, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, f.hv.queries)
	assert.Equal(t, types.StatusStopped, f.status(t, web.ID), "skipped pass touches nothing")

	clk.Advance(3 * time.Minute)
	third, err := r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Equal(t, types.StatusRunning, f.status(t, web.ID))
	assert.Len(t, obs.summaries, 2)
}

func TestUnknownNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	web := f.add(t, "web1", "alice-web1-1", types.StatusRunning)

	r := New(f.store, f.hv, f.locks, Options{Attempts: 1, Clock: testclock.NewClock(time.Now())})
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Kept)
	assert.Equal(t, 0, s.Updated)
	assert.Equal(t, types.StatusRunning, f.status(t, web.ID))
}

func TestErrorRecoversAndCrashedBecomesError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	broken := f.add(t, "web1", "alice-web1-1", types.StatusError)
	crashed := f.add(t, "db1", "alice-db1-1", types.StatusRunning)
	same := f.add(t, "cache1", "alice-cache1-1", types.StatusPaused)
	f.hv.states["alice-web1-1"] = types.PowerRunning
	f.hv.states["alice-db1-1"] = types.PowerCrashed
	f.hv.states["alice-cache1-1"] = types.PowerPaused

	r := New(f.store, f.hv, f.locks, Options{Attempts: 1, Clock: testclock.NewClock(time.Now())})
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Updated: 2, Unchanged: 1}, s)
	assert.Equal(t, types.StatusRunning, f.status(t, broken.ID))
	assert.Equal(t, types.StatusError, f.status(t, crashed.ID))
	assert.Equal(t, types.StatusPaused, f.status(t, same.ID))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	web := f.add(t, "web1", "alice-web1-1", types.StatusRunning)
	f.hv.states["alice-web1-1"] = types.PowerStopped
	f.hv.failures = 2

	r := New(f.store, f.hv, f.locks, Options{Attempts: 3, Backoff: time.Millisecond, Clock: clock.WallClock})
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, 3, f.hv.queries)
	assert.Equal(t, types.StatusStopped, f.status(t, web.ID))
}

func TestExhaustedRetriesCountAsErrored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	web := f.add(t, "web1", "alice-web1-1", types.StatusRunning)
	f.hv.failures = 10

	r := New(f.store, f.hv, f.locks, Options{Attempts: 2, Backoff: time.Millisecond, Clock: clock.WallClock})
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Errored)
	assert.Equal(t, types.StatusRunning, f.status(t, web.ID))
}

func TestBusyAndUnstableRecordsAreLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	busy := f.add(t, "web1", "alice-web1-1", types.StatusRunning)
	creating := f.add(t, "web2", "alice-web2-1", types.StatusCreating)
	f.add(t, "web3", "", types.StatusPending)
	f.hv.states["alice-web1-1"] = types.PowerStopped
	f.hv.states["alice-web2-1"] = types.PowerRunning

	l := f.locks.For(busy.ID)
	require.NoError(t, l.Lock(ctx))
	defer l.Unlock(ctx) //nolint:errcheck

	r := New(f.store, f.hv, f.locks, Options{Attempts: 1, Clock: testclock.NewClock(time.Now())})
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Busy: 1}, s)
	assert.Equal(t, types.StatusRunning, f.status(t, busy.ID))
	assert.Equal(t, types.StatusCreating, f.status(t, creating.ID))
	assert.Equal(t, 0, f.hv.queries)
}

// flakyStore fails List while listErr is set.
type flakyStore struct {
	records.Store
	listErr error
}

func (s *flakyStore) List(ctx context.Context, filter func(*types.VMRecord) bool) ([]*types.VMRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.List(ctx, filter)
}

func TestFailedListDoesNotDelayNextRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	web := f.add(t, "web1", "alice-web1-1", types.StatusRunning)
	f.hv.states["alice-web1-1"] = types.PowerStopped

	store := &flakyStore{Store: f.store, listErr: errors.New("vms.json: input/output error")}
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(store, f.hv, f.locks, Options{MinInterval: 4 * time.Minute, Attempts: 1, Clock: clk})

	_, err := r.Run(ctx)
	require.ErrorContains(t, err, "input/output error")

	store.listErr = nil
	clk.Advance(time.Second)
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, s.Skipped)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, types.StatusStopped, f.status(t, web.ID))

	clk.Advance(time.Second)
	s, err = r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, s.Skipped, "a completed pass still holds off the next")
}
