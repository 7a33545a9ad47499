// Package ports allocates external ports from a configured range.
// Assignments live on VM records; nothing is cached here.
package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/obox-cloud/obox/records"
)

// ErrNoPortAvailable is returned when every port in the range is held.
var ErrNoPortAvailable = errors.New("no external port available")

// Allocator hands out the lowest free port in [Start, End].
type Allocator struct {
	start, end int
	store      records.Store
}

// New creates an allocator over the inclusive range.
func New(start, end int, store records.Store) (*Allocator, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &Allocator{start: start, end: end, store: store}, nil
}

// FindFreePort returns the lowest port not held by any record right now.
// The answer is advisory; use Assign to claim it.
func (a *Allocator) FindFreePort(ctx context.Context) (int, error) {
	used, err := a.store.UsedPorts(ctx)
	if err != nil {
		return 0, err
	}
	return a.lowestFree(used)
}

// Assign claims the lowest free port for a record in the same store
// transaction that computes it. A record that already holds a port keeps it.
func (a *Allocator) Assign(ctx context.Context, recordID string) (int, error) {
	return a.store.AssignPort(ctx, recordID, a.lowestFree)
}

// InRange reports whether port falls inside the allocator's range.
func (a *Allocator) InRange(port int) bool { return port >= a.start && port <= a.end }

func (a *Allocator) lowestFree(used map[int]struct{}) (int, error) {
	for p := a.start; p <= a.end; p++ {
		if _, ok := used[p]; !ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w in [%d, %d]", ErrNoPortAvailable, a.start, a.end)
}
