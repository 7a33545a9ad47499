// Package libvirt drives domains over the libvirt RPC protocol.
package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/config"
	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/types"
)

const typ = "libvirt"

// compile-time interface check.
var _ hypervisor.Hypervisor = (*Libvirt)(nil)

// client is the subset of *libvirt.Libvirt this backend calls.
type client interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainCreate(dom libvirt.Domain) error
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainReboot(dom libvirt.Domain, flags libvirt.DomainRebootFlagValues) error
	DomainGetInfo(dom libvirt.Domain) (state uint8, maxMem uint64, memory uint64, nrVirtCPU uint16, cpuTime uint64, err error)
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	StorageVolLookupByPath(path string) (libvirt.StorageVol, error)
	StoragePoolLookupByName(name string) (libvirt.StoragePool, error)
	StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error)
	StorageVolGetInfo(vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error)
}

// Libvirt implements hypervisor.Hypervisor over a libvirtd connection.
type Libvirt struct {
	conn    *libvirt.Libvirt
	client  client
	timeout time.Duration
}

// Connect dials the local libvirtd socket from config.
func Connect(ctx context.Context, conf *config.Config) (*Libvirt, error) {
	socket, timeout := conf.Hypervisor.Socket, conf.Hypervisor.Timeout
	dialer := dialers.NewLocal(
		dialers.WithSocket(socket),
		dialers.WithLocalTimeout(timeout),
	)
	l := libvirt.NewWithDialer(dialer)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Connect() }()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect libvirt %s: %w", socket, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("connect libvirt %s: %w", socket, err)
		}
	}
	log.WithFunc("libvirt.Connect").Debugf(ctx, "connected to %s", socket)
	return &Libvirt{conn: l, client: l, timeout: timeout}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(c client, timeout time.Duration) *Libvirt {
	return &Libvirt{client: c, timeout: timeout}
}

// Close disconnects from libvirtd.
func (l *Libvirt) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Disconnect()
}

func (l *Libvirt) Type() string { return typ }

func (l *Libvirt) State(ctx context.Context, name string) (types.PowerState, error) {
	var st types.PowerState
	err := l.call(ctx, "state "+name, func() error {
		dom, err := l.lookup(name)
		if err != nil {
			return err
		}
		raw, _, err := l.client.DomainGetState(dom, 0)
		if err != nil {
			return l.classify(err, "get state of %s", name)
		}
		st = powerState(raw)
		return nil
	})
	if hypervisor.IsNotFound(err) {
		return types.PowerUnknown, nil
	}
	return st, err
}

func (l *Libvirt) Start(ctx context.Context, name string) error {
	return l.withDomain(ctx, "start", name, func(dom libvirt.Domain, st types.PowerState) error {
		if st == types.PowerRunning {
			return nil
		}
		return l.client.DomainCreate(dom)
	})
}

func (l *Libvirt) Stop(ctx context.Context, name string) error {
	return l.withDomain(ctx, "shutdown", name, func(dom libvirt.Domain, st types.PowerState) error {
		if st == types.PowerStopped {
			return nil
		}
		return l.client.DomainShutdown(dom)
	})
}

func (l *Libvirt) ForceStop(ctx context.Context, name string) error {
	return l.withDomain(ctx, "destroy", name, func(dom libvirt.Domain, st types.PowerState) error {
		if st == types.PowerStopped {
			return nil
		}
		return l.client.DomainDestroy(dom)
	})
}

func (l *Libvirt) Reboot(ctx context.Context, name string) error {
	return l.withDomain(ctx, "reboot", name, func(dom libvirt.Domain, _ types.PowerState) error {
		return l.client.DomainReboot(dom, 0)
	})
}

func (l *Libvirt) Resources(ctx context.Context, name string) (*types.Resources, error) {
	var res *types.Resources
	err := l.call(ctx, "resources "+name, func() error {
		dom, err := l.lookup(name)
		if err != nil {
			return err
		}
		_, _, memKiB, nrVCPU, _, err := l.client.DomainGetInfo(dom)
		if err != nil {
			return l.classify(err, "get info of %s", name)
		}
		res = &types.Resources{VCPU: int(nrVCPU), MemoryUsed: int64(memKiB) * 1024} //nolint:gosec
		doc, err := l.client.DomainGetXMLDesc(dom, 0)
		if err != nil {
			return l.classify(err, "get xml of %s", name)
		}
		info, err := hypervisor.ParseDomainXML(doc)
		if err != nil {
			return err
		}
		if len(info.Disks) == 0 {
			return nil
		}
		vol, err := l.volume(info.Disks[0])
		if err != nil {
			return err
		}
		_, capacity, allocation, err := l.client.StorageVolGetInfo(vol)
		if err != nil {
			return fmt.Errorf("volume info of %s: %w", name, err)
		}
		res.DiskCapacity, res.DiskAllocated = int64(capacity), int64(allocation) //nolint:gosec
		return nil
	})
	return res, err
}

func (l *Libvirt) volume(d hypervisor.DiskRef) (libvirt.StorageVol, error) {
	if d.Path != "" {
		return l.client.StorageVolLookupByPath(d.Path)
	}
	pool, err := l.client.StoragePoolLookupByName(d.Pool)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("lookup pool %s: %w", d.Pool, err)
	}
	return l.client.StorageVolLookupByName(pool, d.Volume)
}

// withDomain looks the domain up, reads its state, and runs op under the call timeout.
func (l *Libvirt) withDomain(ctx context.Context, op, name string, fn func(libvirt.Domain, types.PowerState) error) error {
	return l.call(ctx, op+" "+name, func() error {
		dom, err := l.lookup(name)
		if err != nil {
			return err
		}
		raw, _, err := l.client.DomainGetState(dom, 0)
		if err != nil {
			return l.classify(err, "get state of %s", name)
		}
		if err := fn(dom, powerState(raw)); err != nil {
			return l.classify(err, "%s %s", op, name)
		}
		return nil
	})
}

func (l *Libvirt) lookup(name string) (libvirt.Domain, error) {
	dom, err := l.client.DomainLookupByName(name)
	if err != nil {
		return dom, l.classify(err, "lookup %s", name)
	}
	return dom, nil
}

func (l *Libvirt) classify(err error, format string, args ...any) error {
	if libvirt.IsNotFound(err) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), hypervisor.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// call runs fn, giving up after the configured timeout. go-libvirt calls are
// not context aware, so an abandoned call finishes in the background.
func (l *Libvirt) call(ctx context.Context, what string, fn func() error) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("libvirt %s: %w after %s", what, hypervisor.ErrTimeout, l.timeout)
		}
		return ctx.Err()
	}
}

func powerState(raw int32) types.PowerState {
	switch libvirt.DomainState(raw) {
	case libvirt.DomainRunning, libvirt.DomainBlocked:
		return types.PowerRunning
	case libvirt.DomainPaused, libvirt.DomainPmsuspended:
		return types.PowerPaused
	case libvirt.DomainShutdown, libvirt.DomainShutoff:
		return types.PowerStopped
	case libvirt.DomainCrashed:
		return types.PowerCrashed
	default:
		return types.PowerUnknown
	}
}
