// Package engine holds the job handlers that drive a VM through its
// lifecycle: create, update (resize), destroy and power actions.
//
// Every handler runs under the VM's advisory lock, so two jobs for the same
// record never interleave, and persists each milestone before the next
// external call so a retried job resumes where the last attempt stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/lock"
	"github.com/obox-cloud/obox/network"
	"github.com/obox-cloud/obox/network/ports"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

// ErrNotProvisioned is returned for operations on a VM that has no
// provisioning name or workspace yet.
var ErrNotProvisioned = errors.New("VM is not provisioned")

// ErrDiskShrink is returned for a resize that would make the disk smaller.
var ErrDiskShrink = errors.New("disk cannot shrink")

// Locks hands out the per-VM lock for a record ID. Forget releases the
// bookkeeping for a record that no longer exists.
type Locks interface {
	For(key string) lock.Locker
	Forget(key string) error
}

// Notifier delivers lifecycle events to VM owners.
type Notifier interface {
	Emit(ctx context.Context, ev types.Event) error
}

// Deps are the collaborators handlers drive.
type Deps struct {
	Store       records.Store
	Provisioner provision.Provisioner
	Hypervisor  hypervisor.Hypervisor
	Ports       *ports.Allocator
	Forwarder   network.Forwarder
	Locks       Locks
	Notifier    Notifier
}

// Options tunes handler behaviour.
type Options struct {
	ApplyAttempts int
	ApplyDelay    time.Duration
	// ExternalAddress is written onto every record that gets a port.
	ExternalAddress      string
	PowerOnBeforeDestroy bool
	PowerOnWait          time.Duration
	PowerOnPoll          time.Duration
	Clock                clock.Clock
}

// Engine implements the lifecycle job handlers.
type Engine struct {
	Deps
	opts Options
}

// New creates an engine.
func New(deps Deps, opts Options) *Engine {
	if opts.ApplyAttempts <= 0 {
		opts.ApplyAttempts = 1
	}
	if opts.ApplyDelay <= 0 {
		opts.ApplyDelay = time.Second
	}
	if opts.PowerOnPoll <= 0 {
		opts.PowerOnPoll = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if deps.Forwarder == nil {
		deps.Forwarder = network.Noop{}
	}
	return &Engine{Deps: deps, opts: opts}
}

// Register binds the lifecycle handlers on d.
func (e *Engine) Register(d *queue.Dispatcher) {
	d.Register(types.JobCreate, e.Create)
	d.Register(types.JobUpdate, e.Update)
	d.Register(types.JobDestroy, e.Destroy)
	d.Register(types.JobAction, e.Action)
}

// withVM runs fn holding the VM's advisory lock.
func (e *Engine) withVM(ctx context.Context, id string, fn func() error) error {
	if id == "" {
		return queue.Permanent(errors.New("job carries no record id"))
	}
	return lock.WithLock(ctx, e.Locks.For(id), fn)
}

// decode unmarshals a job payload; a malformed payload is never retried.
func decode(job *types.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return queue.Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	return nil
}

// load fetches a record; a missing record is permanent for every handler but destroy.
func (e *Engine) load(ctx context.Context, id string) (*types.VMRecord, error) {
	rec, err := e.Store.Get(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		return nil, queue.Permanent(err)
	}
	return rec, err
}

func (e *Engine) setStatus(ctx context.Context, id string, status types.Status) (*types.VMRecord, error) {
	return e.Store.Update(ctx, id, func(r *types.VMRecord) error {
		r.Status = status
		return nil
	})
}

// fail marks the record error and returns cause. The write is detached from
// cancellation so a shutdown mid-job still leaves an honest status.
func (e *Engine) fail(ctx context.Context, id string, cause error) error {
	if _, err := e.setStatus(context.WithoutCancel(ctx), id, types.StatusError); err != nil {
		log.WithFunc("engine.fail").Warnf(ctx, "mark %s error: %v", id, err)
	}
	return cause
}

// apply runs Apply with a bounded number of attempts at a fixed delay.
func (e *Engine) apply(ctx context.Context, ref string) error {
	logger := log.WithFunc("engine.apply")
	err := retry.Call(retry.CallArgs{
		Func: func() error { return e.Provisioner.Apply(ctx, ref) },
		IsFatalError: func(err error) bool {
			return provision.IsNotFound(err) || errors.Is(err, context.Canceled)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < e.opts.ApplyAttempts {
				logger.Warnf(ctx, "apply %s attempt %d/%d failed: %v", ref, attempt, e.opts.ApplyAttempts, err)
			}
		},
		Attempts: e.opts.ApplyAttempts,
		Delay:    e.opts.ApplyDelay,
		Clock:    e.opts.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

// notify emits ev; delivery problems never fail the job that produced it.
func (e *Engine) notify(ctx context.Context, ev types.Event) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Emit(ctx, ev); err != nil {
		log.WithFunc("engine.notify").Warnf(ctx, "emit %s event for %s: %v", ev.Outcome, ev.VMName, err)
	}
}
