// Package gc removes provisioning workspaces that no VM record refers to.
package gc

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs GC across all registered modules.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed Module to the Orchestrator.
// This is a package-level function (not a method) because Go methods cannot
// have type parameters.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one GC cycle:
//
//  1. TryLock all modules; abort if any lock is busy.
//  2. ReadDB each module to build a snapshot.
//  3. Resolve deletion targets per module against all snapshots, e.g. the
//     workspace module drops every workspace the records snapshot refers to.
//  4. Unlock modules with nothing to collect, then collect the rest.
//
// Modules that collect keep their lock until they are done, so nothing new
// appears in them mid-collection. Reference-only modules are released
// before the slow collect phase.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")

	held := make(map[string]runner, len(o.modules))
	unlock := func(m runner) {
		if _, ok := held[m.getName()]; ok {
			m.getLocker().Unlock(context.WithoutCancel(ctx)) //nolint:errcheck,gosec
			delete(held, m.getName())
		}
	}
	defer func() {
		for _, m := range held {
			unlock(m)
		}
	}()

	var skipped []string
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		if err != nil {
			logger.Warnf(ctx, "skip %s: TryLock error: %v", m.getName(), err)
			skipped = append(skipped, m.getName())
			continue
		}
		if !ok {
			logger.Warnf(ctx, "skip %s: lock held by another operation", m.getName())
			skipped = append(skipped, m.getName())
			continue
		}
		held[m.getName()] = m
	}
	// Fail closed: without every snapshot a referenced workspace could look orphaned.
	if len(skipped) > 0 {
		return fmt.Errorf("gc aborted: modules skipped (lock busy): %s", strings.Join(skipped, ", "))
	}

	snapshots := make(map[string]any, len(o.modules))
	for _, m := range o.modules {
		snap, err := m.readSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("gc aborted: snapshot %s: %w", m.getName(), err)
		}
		snapshots[m.getName()] = snap
	}

	targets := make(map[string][]string)
	for _, m := range o.modules {
		if ids := m.resolveTargets(snapshots[m.getName()], snapshots); len(ids) > 0 {
			targets[m.getName()] = ids
		}
	}
	for _, m := range o.modules {
		if len(targets[m.getName()]) == 0 {
			unlock(m)
		}
	}

	var errs []string
	for _, m := range o.modules {
		ids := targets[m.getName()]
		if len(ids) == 0 {
			continue
		}
		logger.Infof(ctx, "%s: collecting %d item(s)", m.getName(), len(ids))
		if err := m.collect(ctx, ids); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", m.getName(), err))
		}
		unlock(m)
	}
	if len(errs) > 0 {
		return fmt.Errorf("gc errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
