package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/types"
)

// Update resizes a provisioned VM in place.
func (e *Engine) Update(ctx context.Context, job *types.Job) error {
	var p types.UpdatePayload
	if err := decode(job, &p); err != nil {
		return err
	}
	if p.Spec.VCPU <= 0 || p.Spec.MemoryMiB <= 0 || p.Spec.DiskSizeGiB <= 0 {
		return queue.Permanent(fmt.Errorf("invalid resize %+v: all sizes must be positive", p.Spec))
	}
	return e.withVM(ctx, p.RecordID, func() error { return e.update(ctx, &p) })
}

func (e *Engine) update(ctx context.Context, p *types.UpdatePayload) error {
	logger := log.WithFunc("engine.Update")
	id := p.RecordID

	rec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.WorkspaceRef == "" {
		return queue.Permanent(fmt.Errorf("%w: %s has no workspace", ErrNotProvisioned, rec.DisplayName))
	}
	prev := rec.Spec
	next := p.Spec.Apply(prev)
	ref := rec.WorkspaceRef
	if next.DiskSizeGiB < prev.DiskSizeGiB {
		return queue.Permanent(fmt.Errorf("%w: disk of %s is %dGiB, cannot shrink to %dGiB",
			ErrDiskShrink, rec.DisplayName, prev.DiskSizeGiB, next.DiskSizeGiB))
	}

	if _, err := e.setStatus(ctx, id, types.StatusUpdating); err != nil {
		return fmt.Errorf("mark %s updating: %w", id, err)
	}
	logger.Infof(ctx, "resizing %s: vcpu %d->%d memory %d->%dMiB disk %d->%dGiB", rec.ProvisioningName,
		prev.VCPU, next.VCPU, prev.MemoryMiB, next.MemoryMiB, prev.DiskSizeGiB, next.DiskSizeGiB)

	if err := e.Provisioner.Regenerate(ctx, ref, next); err != nil {
		return e.fail(ctx, id, fmt.Errorf("regenerate %s: %w", ref, err))
	}
	if err := e.apply(ctx, ref); err != nil {
		// The stored spec was never changed; bring the workspace back in line with it.
		if rerr := e.Provisioner.Regenerate(context.WithoutCancel(ctx), ref, prev); rerr != nil {
			logger.Warnf(ctx, "restore workspace %s to previous spec: %v", ref, rerr)
		}
		return e.fail(ctx, id, fmt.Errorf("apply resize of %s: %w", ref, err))
	}

	rec, err = e.Store.Update(ctx, id, func(r *types.VMRecord) error {
		r.Spec = next
		r.Status = types.StatusRunning
		return nil
	})
	if err != nil {
		return e.fail(ctx, id, fmt.Errorf("persist resize of %s: %w", id, err))
	}
	logger.Infof(ctx, "VM %s resized", rec.ProvisioningName)

	e.notify(ctx, types.Event{
		OwnerEmail: p.Owner.Email,
		VMName:     rec.DisplayName,
		Outcome:    types.OutcomeUpdated,
		Details: map[string]string{
			types.DetailVCPU:   strconv.Itoa(next.VCPU),
			types.DetailMemory: strconv.Itoa(next.MemoryMiB),
			types.DetailDisk:   strconv.Itoa(next.DiskSizeGiB),
		},
	})
	return nil
}
