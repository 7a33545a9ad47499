package records

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obox-cloud/obox/lock/flock"
	"github.com/obox-cloud/obox/types"
)

func newTestStore(t *testing.T) *JSON {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "vms.json"), flock.New(filepath.Join(dir, "vms.lock")))
}

func TestInsertAssignsIDAndPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, types.StatusPending, rec.Status)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "web1", got.DisplayName)
}

func TestInsertRejectsDuplicateNamePerOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	assert.ErrorIs(t, err, ErrNameTaken)

	// another owner may reuse the name
	_, err = s.Insert(ctx, &types.VMRecord{OwnerID: "u2", DisplayName: "web1"})
	assert.NoError(t, err)
}

func TestUpdateKeepsProvisioningNameOnceSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	require.NoError(t, err)

	_, err = s.Update(ctx, rec.ID, func(r *types.VMRecord) error {
		r.ProvisioningName = "alice-web1-1"
		return nil
	})
	require.NoError(t, err)

	got, err := s.Update(ctx, rec.ID, func(r *types.VMRecord) error {
		r.ProvisioningName = "alice-web1-2"
		r.Status = types.StatusCreating
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice-web1-1", got.ProvisioningName)
	assert.Equal(t, types.StatusCreating, got.Status)
}

func TestUpdateErrorDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	require.NoError(t, err)

	_, err = s.Update(ctx, rec.ID, func(r *types.VMRecord) error {
		r.Status = types.StatusRunning
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestDeleteAndNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, rec.ID), ErrNotFound)

	// name is free again
	_, err = s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "web1"})
	assert.NoError(t, err)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, err := s.Insert(ctx, &types.VMRecord{ID: "abcdef", OwnerID: "u1", DisplayName: "web1", ProvisioningName: "alice-web1-1"})
	require.NoError(t, err)

	for _, ref := range []string{"abcdef", "alice-web1-1", "abc"} {
		got, err := s.Resolve(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, rec.ID, got.ID)
	}
	_, err = s.Resolve(ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignPortIsUniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		rec, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: fmt.Sprintf("vm%d", i)})
		require.NoError(t, err)
		ids[i] = rec.ID
	}

	lowest := func(used map[int]struct{}) (int, error) {
		for p := 10000; p <= 20000; p++ {
			if _, ok := used[p]; !ok {
				return p, nil
			}
		}
		return 0, fmt.Errorf("exhausted")
	}

	var wg sync.WaitGroup
	ports := make([]int, n)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.AssignPort(ctx, id, lowest)
			assert.NoError(t, err)
			ports[i] = p
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, p := range ports {
		assert.False(t, seen[p], "port %d assigned twice", p)
		seen[p] = true
	}
	used, err := s.UsedPorts(ctx)
	require.NoError(t, err)
	assert.Len(t, used, n)

	// idempotent for a record that already holds a port
	again, err := s.AssignPort(ctx, ids[0], lowest)
	require.NoError(t, err)
	assert.Equal(t, ports[0], again)
}

func TestListFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "a", Status: types.StatusRunning})
	require.NoError(t, err)
	_, err = s.Insert(ctx, &types.VMRecord{OwnerID: "u1", DisplayName: "b", Status: types.StatusCreating})
	require.NoError(t, err)

	all, err := s.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stable, err := s.List(ctx, func(r *types.VMRecord) bool { return r.Status.Stable() })
	require.NoError(t, err)
	require.Len(t, stable, 1)
	assert.Equal(t, "a", stable[0].DisplayName)
}
