package keyed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obox-cloud/obox/lock"
)

func TestForReturnsSameLockPerKey(t *testing.T) {
	ctx := context.Background()
	k := New(t.TempDir())

	a := k.For("vm-1")
	assert.Same(t, a, k.For("vm-1"))

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = lock.TryWithLock(ctx, k.For("vm-1"), func() error { return nil })
	assert.ErrorIs(t, err, lock.ErrBusy)

	// other keys are independent
	ran := false
	require.NoError(t, lock.TryWithLock(ctx, k.For("vm-2"), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	require.NoError(t, a.Unlock(ctx))
}

func TestForgetDropsKeyAndLockFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	k := New(dir)

	a := k.For("vm-1")
	require.NoError(t, lock.WithLock(ctx, a, func() error { return nil }))
	assert.FileExists(t, filepath.Join(dir, "vm-1.lock"))
	assert.Equal(t, 1, k.Len())

	require.NoError(t, k.Forget("vm-1"))
	assert.Equal(t, 0, k.Len())
	assert.NoFileExists(t, filepath.Join(dir, "vm-1.lock"))
	assert.NotSame(t, a, k.For("vm-1"))

	require.NoError(t, k.Forget("never-locked"))
}

func TestForgetWhileHeldKeepsHolderValid(t *testing.T) {
	ctx := context.Background()
	k := New(t.TempDir())

	a := k.For("vm-1")
	require.NoError(t, a.Lock(ctx))
	require.NoError(t, k.Forget("vm-1"))
	assert.NoError(t, a.Unlock(ctx))
}
