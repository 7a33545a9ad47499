// Package reconcile keeps VM record status in line with what the hypervisor
// actually reports.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/lock"
	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

// Locks hands out the per-VM lock for a record ID.
type Locks interface {
	For(key string) lock.Locker
}

// Observer receives the summary of every pass that was not skipped.
type Observer interface {
	ReconcileFinished(s Summary)
}

// Summary describes one reconciliation pass.
type Summary struct {
	// Skipped is set when the pass was refused: too soon after the last
	// one, or another pass still running. Nothing else is filled in.
	Skipped   bool
	Total     int
	Updated   int
	Unchanged int
	// Kept counts records left alone because the hypervisor answer was unknown.
	Kept int
	// Busy counts records whose VM lock was held by a handler.
	Busy     int
	Errored  int
	Duration time.Duration
}

func (s Summary) String() string {
	if s.Skipped {
		return "skipped"
	}
	return fmt.Sprintf("total=%d updated=%d unchanged=%d kept=%d busy=%d errored=%d in %s",
		s.Total, s.Updated, s.Unchanged, s.Kept, s.Busy, s.Errored, s.Duration)
}

// Options tunes a Reconciler.
type Options struct {
	MinInterval time.Duration
	// Attempts and Backoff bound the state query retry per VM.
	Attempts int
	Backoff  time.Duration
	Clock    clock.Clock
	Observer Observer
}

// Reconciler compares recorded status with hypervisor state.
type Reconciler struct {
	store records.Store
	hv    hypervisor.Hypervisor
	locks Locks
	opts  Options

	mu      sync.Mutex
	lastRun time.Time
	running bool
}

// New creates a reconciler.
func New(store records.Store, hv hypervisor.Hypervisor, locks Locks, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &Reconciler{store: store, hv: hv, locks: locks, opts: opts}
}

// Register binds the sync-state handler on d.
func (r *Reconciler) Register(d *queue.Dispatcher) {
	d.Register(types.JobSyncState, r.Handle)
}

// Handle is the sync-state job handler.
func (r *Reconciler) Handle(ctx context.Context, _ *types.Job) error {
	_, err := r.Run(ctx)
	return err
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeUpdated
	outcomeKept
	outcomeBusy
	outcomeErrored
)

var errNoChange = errors.New("no change")

// Run performs one pass unless one ran within MinInterval or is in progress.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	logger := log.WithFunc("reconcile.Run")
	start, prev, ok := r.begin()
	if !ok {
		logger.Debugf(ctx, "reconcile skipped: too soon or already running")
		return Summary{Skipped: true}, nil
	}
	defer r.end()

	recs, err := r.store.List(ctx, func(rec *types.VMRecord) bool {
		return rec.ProvisioningName != "" && rec.Status.Stable()
	})
	if err != nil {
		// A pass that never looked at any VM does not hold off the next one.
		r.rewind(prev)
		return Summary{}, fmt.Errorf("list records: %w", err)
	}

	s := Summary{Total: len(recs)}
	for _, rec := range recs {
		switch r.reconcile(ctx, rec) {
		case outcomeUpdated:
			s.Updated++
		case outcomeKept:
			s.Kept++
		case outcomeBusy:
			s.Busy++
		case outcomeErrored:
			s.Errored++
		default:
			s.Unchanged++
		}
	}
	s.Duration = r.opts.Clock.Now().Sub(start)
	logger.Infof(ctx, "reconcile done: %s", s)
	if r.opts.Observer != nil {
		r.opts.Observer.ReconcileFinished(s)
	}
	return s, nil
}

// begin claims a pass and returns its start and the previous pass start.
func (r *Reconciler) begin() (time.Time, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Clock.Now()
	if r.running || (!r.lastRun.IsZero() && now.Sub(r.lastRun) < r.opts.MinInterval) {
		return now, r.lastRun, false
	}
	prev := r.lastRun
	r.running, r.lastRun = true, now
	return now, prev, true
}

func (r *Reconciler) rewind(prev time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun = prev
}

func (r *Reconciler) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

// reconcile checks one VM. A VM whose lock is held is being changed by a
// handler and is left for the next pass.
func (r *Reconciler) reconcile(ctx context.Context, rec *types.VMRecord) outcome {
	logger := log.WithFunc("reconcile.reconcile")
	name := rec.ProvisioningName
	result := outcomeUnchanged

	err := lock.TryWithLock(ctx, r.locks.For(rec.ID), func() error {
		var state types.PowerState
		policy := hypervisor.RetryPolicy{Attempts: r.opts.Attempts, Delay: r.opts.Backoff, Clock: r.opts.Clock}
		if err := hypervisor.DoWithRetry(ctx, policy, "state "+name, func() error {
			var err error
			state, err = r.hv.State(ctx, name)
			return err
		}); err != nil {
			return err
		}

		status, known := state.Status()
		if !known {
			logger.Debugf(ctx, "%s: hypervisor state unknown, keeping %s", name, rec.Status)
			result = outcomeKept
			return nil
		}
		var from types.Status
		_, err := r.store.Update(ctx, rec.ID, func(cur *types.VMRecord) error {
			// a handler may have moved the VM since the list was taken
			if !cur.Status.Stable() || cur.Status == status {
				return errNoChange
			}
			from, cur.Status = cur.Status, status
			return nil
		})
		switch {
		case err == nil:
			logger.Infof(ctx, "%s: %s -> %s", name, from, status)
			result = outcomeUpdated
		case errors.Is(err, errNoChange), errors.Is(err, records.ErrNotFound):
		default:
			return fmt.Errorf("persist status of %s: %w", name, err)
		}
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrBusy):
		logger.Debugf(ctx, "%s: busy, skipped", name)
		return outcomeBusy
	case err != nil:
		logger.Warnf(ctx, "%s: %v", name, err)
		return outcomeErrored
	}
	return result
}
