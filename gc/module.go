package gc

import (
	"context"

	"github.com/obox-cloud/obox/lock"
)

// Module is one participant in a GC cycle with a typed snapshot S.
type Module[S any] struct {
	Name string
	// Locker guards the module's state; GC holds it from snapshot to collect.
	Locker lock.Locker
	// ReadDB snapshots the module's state. Called with Locker held.
	ReadDB func(ctx context.Context) (S, error)
	// Resolve returns the IDs to collect, given this module's snapshot and
	// every module's snapshot keyed by name. May be nil for modules that
	// only contribute references.
	Resolve func(snap S, others map[string]any) []string
	// Collect removes ids. Called with Locker held.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	if m.Resolve == nil {
		return nil
	}
	s, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	if m.Collect == nil {
		return nil
	}
	return m.Collect(ctx, ids)
}
