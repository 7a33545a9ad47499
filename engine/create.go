package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/network/ports"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/types"
)

// Create provisions a VM for a pending record.
func (e *Engine) Create(ctx context.Context, job *types.Job) error {
	var p types.CreatePayload
	if err := decode(job, &p); err != nil {
		return err
	}
	return e.withVM(ctx, p.RecordID, func() error { return e.create(ctx, &p) })
}

func (e *Engine) create(ctx context.Context, p *types.CreatePayload) error {
	logger := log.WithFunc("engine.Create")
	id := p.RecordID

	rec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == types.StatusRunning && rec.ProvisioningName != "" {
		logger.Infof(ctx, "VM %s (%s) already running, nothing to do", rec.DisplayName, rec.ProvisioningName)
		return nil
	}

	// Name and status are persisted before anything external happens; a
	// name set by an earlier attempt is reused.
	rec, err = e.Store.Update(ctx, id, func(r *types.VMRecord) error {
		if r.ProvisioningName == "" {
			r.ProvisioningName = provision.Name(p.Owner.Name, r.DisplayName, e.opts.Clock.Now())
		}
		if r.Spec == (types.Spec{}) {
			r.Spec = p.Spec.Spec()
		}
		r.Status = types.StatusCreating
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark %s creating: %w", id, err)
	}
	name := rec.ProvisioningName
	logger.Infof(ctx, "creating VM %s as %s", rec.DisplayName, name)

	// The ref is recorded before the workspace exists so a crash mid-generate
	// leaves something for destroy and GC to find. Generate adopts a
	// workspace an earlier attempt already wrote.
	ref := rec.WorkspaceRef
	if ref == "" {
		ref = provision.Ref(p.Owner.Name, name)
		if err := e.setRef(ctx, id, ref); err != nil {
			return e.fail(ctx, id, err)
		}
	}
	generated, err := e.Provisioner.Generate(ctx, p.Owner, name, rec.Spec)
	if err != nil {
		return e.fail(ctx, id, fmt.Errorf("generate workspace for %s: %w", name, err))
	}
	if generated != ref {
		ref = generated
		if err := e.setRef(ctx, id, ref); err != nil {
			return e.fail(ctx, id, err)
		}
	}

	if err := e.apply(ctx, ref); err != nil {
		if cerr := e.Provisioner.Cleanup(context.WithoutCancel(ctx), ref); cerr != nil && !provision.IsNotFound(cerr) {
			logger.Warnf(ctx, "cleanup after failed apply of %s: %v", ref, cerr)
		}
		return e.fail(ctx, id, fmt.Errorf("apply %s: %w", ref, err))
	}

	out, err := e.Provisioner.Outputs(ctx, ref)
	if err != nil {
		return e.fail(ctx, id, fmt.Errorf("read outputs of %s: %w", ref, err))
	}
	// The address must be on record before any forwarding rule names it,
	// otherwise destroy cannot remove a rule left by a failed attempt.
	if _, err = e.Store.Update(ctx, id, func(r *types.VMRecord) error {
		r.InternalAddress = out.InternalAddress
		if r.CredentialMaterial == "" {
			r.CredentialMaterial = out.Credential
		}
		return nil
	}); err != nil {
		return e.fail(ctx, id, fmt.Errorf("persist outputs of %s: %w", name, err))
	}

	port, err := e.Ports.Assign(ctx, id)
	if err != nil {
		err = e.fail(ctx, id, fmt.Errorf("assign port to %s: %w", name, err))
		if errors.Is(err, ports.ErrNoPortAvailable) {
			return queue.Permanent(err)
		}
		return err
	}
	if err := e.Forwarder.AddForwarding(ctx, port, out.InternalAddress); err != nil {
		return e.fail(ctx, id, fmt.Errorf("forward port %d to %s: %w", port, out.InternalAddress, err))
	}

	rec, err = e.Store.Update(ctx, id, func(r *types.VMRecord) error {
		r.ExternalAddress = e.opts.ExternalAddress
		r.Status = types.StatusRunning
		return nil
	})
	if err != nil {
		return e.fail(ctx, id, fmt.Errorf("persist running state of %s: %w", name, err))
	}
	logger.Infof(ctx, "VM %s running at %s, reachable on %s:%d", name, rec.InternalAddress, rec.ExternalAddress, port)

	e.notify(ctx, types.Event{
		OwnerEmail: p.Owner.Email,
		VMName:     rec.DisplayName,
		Outcome:    types.OutcomeCreated,
		Details: map[string]string{
			types.DetailAddress:    rec.ExternalAddress,
			types.DetailPort:       strconv.Itoa(port),
			types.DetailCredential: rec.CredentialMaterial,
		},
	})
	return nil
}

func (e *Engine) setRef(ctx context.Context, id, ref string) error {
	if _, err := e.Store.Update(ctx, id, func(r *types.VMRecord) error {
		r.WorkspaceRef = ref
		return nil
	}); err != nil {
		return fmt.Errorf("persist workspace ref %s: %w", ref, err)
	}
	return nil
}
