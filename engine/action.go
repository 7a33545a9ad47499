package engine

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/types"
)

// Action applies a power operation to a provisioned VM.
func (e *Engine) Action(ctx context.Context, job *types.Job) error {
	var p types.ActionPayload
	if err := decode(job, &p); err != nil {
		return err
	}
	if !p.Action.Valid() {
		return queue.Permanent(fmt.Errorf("unknown action %q", p.Action))
	}
	return e.withVM(ctx, p.RecordID, func() error { return e.action(ctx, job, &p) })
}

func (e *Engine) action(ctx context.Context, job *types.Job, p *types.ActionPayload) error {
	logger := log.WithFunc("engine.Action")
	rec, err := e.load(ctx, p.RecordID)
	if err != nil {
		return err
	}
	name := rec.ProvisioningName
	if name == "" {
		return queue.Permanent(fmt.Errorf("%w: %s", ErrNotProvisioned, rec.DisplayName))
	}

	var next types.Status
	switch p.Action {
	case types.ActionStart:
		next, err = types.StatusRunning, e.Hypervisor.Start(ctx, name)
	case types.ActionStop:
		next, err = types.StatusStopped, e.Hypervisor.Stop(ctx, name)
	case types.ActionReboot:
		if err = e.Hypervisor.Reboot(ctx, name); err != nil {
			// Reboot is retried by the queue; only the last failure marks the VM.
			err = fmt.Errorf("reboot %s: %w", name, err)
			if job.FinalAttempt() {
				return e.fail(ctx, rec.ID, err)
			}
			return err
		}
		logger.Infof(ctx, "VM %s rebooted", name)
		return nil
	}
	if err != nil {
		return e.fail(ctx, rec.ID, fmt.Errorf("%s %s: %w", p.Action, name, err))
	}
	if _, err := e.setStatus(ctx, rec.ID, next); err != nil {
		return fmt.Errorf("persist %s of %s: %w", p.Action, name, err)
	}
	logger.Infof(ctx, "VM %s %s -> %s", name, p.Action, next)
	return nil
}
