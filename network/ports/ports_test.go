package ports

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obox-cloud/obox/lock/flock"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

func newStore(t *testing.T) *records.JSON {
	t.Helper()
	dir := t.TempDir()
	return records.New(filepath.Join(dir, "vms.json"), flock.New(filepath.Join(dir, "vms.lock")))
}

func insert(t *testing.T, s records.Store, name string, port *int) *types.VMRecord {
	t.Helper()
	rec, err := s.Insert(context.Background(), &types.VMRecord{OwnerID: "u1", DisplayName: name, ExternalPort: port})
	require.NoError(t, err)
	return rec
}

func intp(i int) *int { return &i }

func TestFindFreePortReturnsLowestGap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s, "a", intp(10000))
	insert(t, s, "b", intp(10002))

	a, err := New(10000, 10010, s)
	require.NoError(t, err)
	p, err := a.FindFreePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10001, p)
}

func TestAssignExhaustsRange(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, err := New(10000, 10002, s)
	require.NoError(t, err)

	var got []int
	for i := range 3 {
		rec := insert(t, s, fmt.Sprintf("vm%d", i), nil)
		p, err := a.Assign(ctx, rec.ID)
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []int{10000, 10001, 10002}, got)

	rec := insert(t, s, "overflow", nil)
	_, err = a.Assign(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNoPortAvailable)

	_, err = a.FindFreePort(ctx)
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestDeletedRecordFreesPort(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, err := New(10000, 10001, s)
	require.NoError(t, err)

	first := insert(t, s, "a", nil)
	p, err := a.Assign(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, first.ID))

	second := insert(t, s, "b", nil)
	again, err := a.Assign(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestNewRejectsBadRange(t *testing.T) {
	_, err := New(20000, 10000, nil)
	assert.Error(t, err)
}
