package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/types"
)

// Handler processes one job. Returning an error schedules a retry unless the
// error is Permanent or the job has used its attempts.
type Handler func(ctx context.Context, job *types.Job) error

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Observer receives per-job telemetry.
type Observer interface {
	JobFinished(typ types.JobType, outcome string, took time.Duration)
}

// AlertSink is told about jobs that failed for good.
type AlertSink interface {
	Alert(ctx context.Context, job *types.Job, err error)
}

// LogAlerts reports terminal failures to the error log.
type LogAlerts struct{}

func (LogAlerts) Alert(ctx context.Context, job *types.Job, err error) {
	log.WithFunc("queue.Alert").Errorf(ctx, err, "job %s (%s) failed after %d attempt(s)", job.ID, job.Type, job.Attempts)
}

// Options configures a Dispatcher.
type Options struct {
	Workers      int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Clock        clock.Clock
	Observer     Observer
	Alerts       AlertSink
}

// Dispatcher claims jobs from a Queue and runs their handlers on a worker pool.
type Dispatcher struct {
	q    Queue
	opts Options

	mu       sync.RWMutex
	handlers map[types.JobType]Handler

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q Queue, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Alerts == nil {
		opts.Alerts = LogAlerts{}
	}
	return &Dispatcher{
		q:        q,
		opts:     opts,
		handlers: make(map[types.JobType]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (d *Dispatcher) Register(typ types.JobType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// Wake makes an idle Run loop look for work immediately.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, then waits for in-flight
// jobs and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithFunc("queue.Run")
	pool, err := ants.NewPool(d.opts.Workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.ReleaseTimeout(10 * time.Second) //nolint:errcheck

	if n, err := d.q.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Warnf(ctx, "requeued %d job(s) interrupted by a previous shutdown", n)
	}
	logger.Infof(ctx, "dispatcher started with %d worker(s)", d.opts.Workers)

	slots := make(chan struct{}, d.opts.Workers)
	for {
		if _, err := d.q.Promote(ctx, d.opts.Clock.Now()); err != nil && ctx.Err() == nil {
			logger.Warnf(ctx, "promote recurring jobs: %v", err)
		}
	claim:
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return d.drain(ctx)
			}
			job, err := d.q.Claim(ctx, d.opts.Clock.Now())
			if err != nil || job == nil {
				<-slots
				if err != nil && ctx.Err() == nil {
					logger.Warnf(ctx, "claim job: %v", err)
				}
				break claim
			}
			d.wg.Add(1)
			if err := pool.Submit(func() {
				defer func() {
					<-slots
					d.wg.Done()
					d.Wake()
				}()
				d.execute(ctx, job)
			}); err != nil {
				<-slots
				d.wg.Done()
				logger.Warnf(ctx, "submit job %s: %v", job.ID, err)
				_ = d.q.Retry(context.WithoutCancel(ctx), job.ID, d.opts.Clock.Now(), err.Error())
			}
		}
		select {
		case <-ctx.Done():
			return d.drain(ctx)
		case <-d.wake:
		case <-d.opts.Clock.After(d.opts.PollInterval):
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) error {
	log.WithFunc("queue.Run").Infof(ctx, "dispatcher stopping, waiting for in-flight jobs")
	d.wg.Wait()
	return nil
}

// execute runs the handler for job and records the outcome in the queue.
func (d *Dispatcher) execute(ctx context.Context, job *types.Job) {
	logger := log.WithFunc("queue.execute")
	bookCtx := context.WithoutCancel(ctx)
	start := d.opts.Clock.Now()

	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	} else {
		err = call(ctx, h, job)
	}
	took := d.opts.Clock.Now().Sub(start)

	outcome := OutcomeCompleted
	switch {
	case err == nil:
		if cerr := d.q.Complete(bookCtx, job.ID); cerr != nil {
			logger.Warnf(ctx, "complete job %s: %v", job.ID, cerr)
		}
		logger.Debugf(ctx, "job %s (%s) done in %s", job.ID, job.Type, took)
	case IsPermanent(err) || job.FinalAttempt():
		outcome = OutcomeFailed
		if ferr := d.q.Fail(bookCtx, job.ID, err.Error()); ferr != nil {
			logger.Warnf(ctx, "fail job %s: %v", job.ID, ferr)
		}
		d.opts.Alerts.Alert(bookCtx, job, err)
	default:
		outcome = OutcomeRetried
		delay := Backoff(d.opts.BackoffBase, d.opts.BackoffMax, job.Attempts)
		if rerr := d.q.Retry(bookCtx, job.ID, d.opts.Clock.Now().Add(delay), err.Error()); rerr != nil {
			logger.Warnf(ctx, "retry job %s: %v", job.ID, rerr)
		}
		logger.Warnf(ctx, "job %s (%s) attempt %d/%d failed, retrying in %s: %v",
			job.ID, job.Type, job.Attempts, job.MaxAttempts, delay, err)
	}
	if d.opts.Observer != nil {
		d.opts.Observer.JobFinished(job.Type, outcome, took)
	}
}

// call runs h, turning a panic into a permanent error.
func call(ctx context.Context, h Handler, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h(ctx, job)
}
