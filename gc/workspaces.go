package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/lock"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/utils"
)

// Module names.
const (
	RecordsModule    = "records"
	WorkspacesModule = "workspaces"
)

// Workspaces is what GC needs from a provisioning backend.
type Workspaces interface {
	List(ctx context.Context) ([]string, error)
	Dir(ref string) string
	Destroy(ctx context.Context, ref string) error
}

// Records snapshots the set of workspace refs held by VM records.
func Records(store *records.JSON) Module[map[string]struct{}] {
	return Module[map[string]struct{}]{
		Name:   RecordsModule,
		Locker: store.Locker(),
		ReadDB: func(_ context.Context) (map[string]struct{}, error) {
			var refs map[string]struct{}
			err := store.ReadLocked(func(idx *records.Index) error {
				refs = idx.WorkspaceRefs()
				return nil
			})
			return refs, err
		},
	}
}

// Orphans snapshots workspaces older than utils.StaleAge and collects those
// no record refers to by tearing them down through ws.
func Orphans(ws Workspaces, locker lock.Locker, now func() time.Time) Module[[]string] {
	return Module[[]string]{
		Name:   WorkspacesModule,
		Locker: locker,
		ReadDB: func(ctx context.Context) ([]string, error) {
			refs, err := ws.List(ctx)
			if err != nil {
				return nil, err
			}
			var stale []string
			for _, ref := range refs {
				if utils.OlderThan(ws.Dir(ref), utils.StaleAge, now()) {
					stale = append(stale, ref)
				}
			}
			return stale, nil
		},
		Resolve: func(stale []string, others map[string]any) []string {
			used, ok := others[RecordsModule].(map[string]struct{})
			if !ok {
				return nil
			}
			return utils.FilterUnreferenced(stale, used)
		},
		Collect: func(ctx context.Context, refs []string) error {
			logger := log.WithFunc("gc.Orphans")
			var errs []error
			for _, ref := range refs {
				if err := ws.Destroy(ctx, ref); err != nil && !provision.IsNotFound(err) {
					errs = append(errs, fmt.Errorf("destroy %s: %w", ref, err))
					continue
				}
				logger.Infof(ctx, "orphaned workspace %s removed", ref)
			}
			return errors.Join(errs...)
		},
	}
}
