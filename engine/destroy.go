package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
	"github.com/obox-cloud/obox/utils"
)

// Destroy tears a VM down and removes its record, whatever its status.
func (e *Engine) Destroy(ctx context.Context, job *types.Job) error {
	var p types.DestroyPayload
	if err := decode(job, &p); err != nil {
		return err
	}
	return e.withVM(ctx, p.Record.ID, func() error { return e.destroy(ctx, job, &p) })
}

func (e *Engine) destroy(ctx context.Context, job *types.Job, p *types.DestroyPayload) error {
	logger := log.WithFunc("engine.Destroy")
	id := p.Record.ID

	rec, err := e.Store.Get(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		logger.Infof(ctx, "record %s already gone, destroy complete", id)
		return nil
	}
	if err != nil {
		return err
	}
	if rec, err = e.setStatus(ctx, id, types.StatusDeleting); err != nil {
		return fmt.Errorf("mark %s deleting: %w", id, err)
	}
	logger.Infof(ctx, "destroying VM %s (%s)", rec.DisplayName, rec.ProvisioningName)

	if err := e.teardown(ctx, rec); err != nil {
		if job.FinalAttempt() {
			return e.fail(ctx, id, err)
		}
		return err
	}

	if port := rec.Port(); port != 0 {
		e.Forwarder.RemoveForwarding(ctx, port, rec.InternalAddress)
	}
	if err := e.Store.Delete(ctx, id); err != nil && !errors.Is(err, records.ErrNotFound) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if err := e.Locks.Forget(id); err != nil {
		logger.Warnf(ctx, "forget lock of %s: %v", id, err)
	}
	logger.Infof(ctx, "VM %s destroyed", rec.ProvisioningName)

	e.notify(ctx, types.Event{
		OwnerEmail: p.Owner.Email,
		VMName:     rec.DisplayName,
		Outcome:    types.OutcomeDeleted,
	})
	return nil
}

// teardown removes the VM's infrastructure. Anything already missing counts
// as removed.
func (e *Engine) teardown(ctx context.Context, rec *types.VMRecord) error {
	if rec.ProvisioningName != "" && e.opts.PowerOnBeforeDestroy {
		e.powerOn(ctx, rec.ProvisioningName)
	}
	switch {
	case rec.WorkspaceRef != "":
		if err := e.Provisioner.Destroy(ctx, rec.WorkspaceRef); err != nil && !provision.IsNotFound(err) {
			return fmt.Errorf("destroy workspace %s: %w", rec.WorkspaceRef, err)
		}
	case rec.ProvisioningName != "":
		if err := e.Hypervisor.ForceStop(ctx, rec.ProvisioningName); err != nil && !hypervisor.IsNotFound(err) {
			return fmt.Errorf("force stop %s: %w", rec.ProvisioningName, err)
		}
	}
	return nil
}

// powerOn starts a stopped domain and waits for it to run; the provisioning
// tool can only detach storage from a live domain. Failures are logged only.
func (e *Engine) powerOn(ctx context.Context, name string) {
	logger := log.WithFunc("engine.powerOn")
	state, err := e.Hypervisor.State(ctx, name)
	if err != nil {
		logger.Warnf(ctx, "query %s before destroy: %v", name, err)
		return
	}
	if state != types.PowerStopped {
		return
	}
	if err := e.Hypervisor.Start(ctx, name); err != nil {
		logger.Warnf(ctx, "power on %s before destroy: %v", name, err)
		return
	}
	err = utils.WaitFor(ctx, e.opts.Clock, e.opts.PowerOnWait, e.opts.PowerOnPoll, func() (bool, error) {
		s, err := e.Hypervisor.State(ctx, name)
		return s == types.PowerRunning, err
	})
	if err != nil {
		logger.Warnf(ctx, "%s did not reach running before destroy: %v", name, err)
	}
}
