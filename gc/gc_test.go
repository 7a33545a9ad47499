package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obox-cloud/obox/lock/flock"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
	"github.com/obox-cloud/obox/utils"
)

type dirWorkspaces struct {
	root      string
	destroyed []string
}

func (d *dirWorkspaces) List(context.Context) ([]string, error) {
	var refs []string
	for _, owner := range utils.ScanSubdirs(d.root) {
		for _, name := range utils.ScanSubdirs(filepath.Join(d.root, owner)) {
			refs = append(refs, provision.Ref(owner, name))
		}
	}
	return refs, nil
}

func (d *dirWorkspaces) Dir(ref string) string { return filepath.Join(d.root, filepath.FromSlash(ref)) }

func (d *dirWorkspaces) Destroy(_ context.Context, ref string) error {
	d.destroyed = append(d.destroyed, ref)
	return os.RemoveAll(d.Dir(ref))
}

func (d *dirWorkspaces) add(t *testing.T, ref string, age time.Duration) {
	t.Helper()
	dir := d.Dir(ref)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, old, old))
}

func setup(t *testing.T) (*Orchestrator, *records.JSON, *dirWorkspaces) {
	t.Helper()
	base := t.TempDir()
	store := records.New(filepath.Join(base, "vms.json"), flock.New(filepath.Join(base, "vms.lock")))
	ws := &dirWorkspaces{root: filepath.Join(base, "workspaces")}
	o := New()
	Register(o, Records(store))
	Register(o, Orphans(ws, flock.New(filepath.Join(base, "workspaces.lock")), time.Now))
	return o, store, ws
}

func TestRunRemovesOnlyOldOrphans(t *testing.T) {
	ctx := context.Background()
	o, store, ws := setup(t)
	_, err := store.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1", WorkspaceRef: "alice/alice-web1-1"})
	require.NoError(t, err)

	ws.add(t, "alice/alice-web1-1", 2*time.Hour)
	ws.add(t, "alice/alice-old-1", 2*time.Hour)
	ws.add(t, "bob/bob-new-1", time.Minute)

	require.NoError(t, o.Run(ctx))
	assert.Equal(t, []string{"alice/alice-old-1"}, ws.destroyed)
	assert.DirExists(t, ws.Dir("alice/alice-web1-1"))
	assert.DirExists(t, ws.Dir("bob/bob-new-1"))
	assert.NoDirExists(t, ws.Dir("alice/alice-old-1"))

	// the records lock is released again
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestRunAbortsWhenALockIsBusy(t *testing.T) {
	ctx := context.Background()
	o, store, ws := setup(t)
	ws.add(t, "alice/alice-old-1", 2*time.Hour)

	require.NoError(t, store.Locker().Lock(ctx))
	defer store.Locker().Unlock(ctx) //nolint:errcheck

	err := o.Run(ctx)
	assert.ErrorContains(t, err, "records")
	assert.Empty(t, ws.destroyed)
}
