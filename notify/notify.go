// Package notify tells VM owners about lifecycle outcomes. Handlers emit
// events into the job queue; the notify job delivers them to a Sink.
package notify

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/config"
	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/types"
)

// Sink delivers one event.
type Sink interface {
	Type() string
	Deliver(ctx context.Context, ev types.Event) error
}

// Emitter queues events as notify jobs.
type Emitter struct {
	q queue.Queue
}

// NewEmitter creates an emitter on q.
func NewEmitter(q queue.Queue) *Emitter { return &Emitter{q: q} }

// Emit enqueues ev at the notify job's default priority.
func (e *Emitter) Emit(ctx context.Context, ev types.Event) error {
	id, err := queue.Submit(ctx, e.q, types.JobNotify, ev)
	if err != nil {
		return fmt.Errorf("queue %s event for %s: %w", ev.Outcome, ev.VMName, err)
	}
	log.WithFunc("notify.Emit").Debugf(ctx, "queued %s event for %s as job %s", ev.Outcome, ev.VMName, id)
	return nil
}

// NewSink returns the webhook sink when a URL is configured, else the log sink.
func NewSink(conf *config.Config) Sink {
	if conf.Notify.WebhookURL != "" {
		return NewWebhook(conf.Notify.WebhookURL, conf.Notify.Timeout)
	}
	return LogSink{}
}

// Handler returns the notify job handler delivering to sink.
func Handler(sink Sink) queue.Handler {
	return func(ctx context.Context, job *types.Job) error {
		var ev types.Event
		if err := job.Decode(&ev); err != nil {
			return queue.Permanent(fmt.Errorf("decode event: %w", err))
		}
		if ev.OwnerEmail == "" {
			return queue.Permanent(fmt.Errorf("event for %s has no recipient", ev.VMName))
		}
		if err := sink.Deliver(ctx, ev); err != nil {
			return fmt.Errorf("deliver %s event via %s: %w", ev.Outcome, sink.Type(), err)
		}
		return nil
	}
}

// Register binds the notify handler on d.
func Register(d *queue.Dispatcher, sink Sink) {
	d.Register(types.JobNotify, Handler(sink))
}

// Redacted returns a copy of ev safe to log.
func Redacted(ev types.Event) types.Event {
	if _, ok := ev.Details[types.DetailCredential]; !ok {
		return ev
	}
	details := make(map[string]string, len(ev.Details))
	for k, v := range ev.Details {
		details[k] = v
	}
	details[types.DetailCredential] = "<redacted>"
	ev.Details = details
	return ev
}

// LogSink writes events to the log.
type LogSink struct{}

func (LogSink) Type() string { return "log" }

func (LogSink) Deliver(ctx context.Context, ev types.Event) error {
	ev = Redacted(ev)
	log.WithFunc("notify.LogSink").Infof(ctx, "notify %s: VM %s %s %v", ev.OwnerEmail, ev.VMName, ev.Outcome, ev.Details)
	return nil
}
