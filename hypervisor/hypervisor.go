package hypervisor

import (
	"context"
	"errors"

	"github.com/obox-cloud/obox/types"
)

var (
	// ErrNotFound is returned when the hypervisor has no domain with the name.
	ErrNotFound = errors.New("domain not found")
	// ErrTimeout is returned when a hypervisor call exceeds its time budget.
	ErrTimeout = errors.New("hypervisor call timed out")
)

// Hypervisor controls domains by provisioning name.
// Each backend (virsh CLI, libvirt RPC) implements this interface.
type Hypervisor interface {
	Type() string

	// State reports the power state. A missing domain is PowerUnknown, not an error.
	State(ctx context.Context, name string) (types.PowerState, error)
	// Start boots a domain; starting a running domain succeeds.
	Start(ctx context.Context, name string) error
	// Stop requests a graceful guest shutdown; stopping a stopped domain succeeds.
	Stop(ctx context.Context, name string) error
	// ForceStop cuts power; ErrNotFound when the domain does not exist.
	ForceStop(ctx context.Context, name string) error
	Reboot(ctx context.Context, name string) error
	Resources(ctx context.Context, name string) (*types.Resources, error)
}

// IsNotFound reports whether err means the domain does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
