package nbd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopMetric "go.opentelemetry.io/otel/metric/noop"
)

// fakeSysfs lays out the nbd files the pool reads. busy devices get a pid file.
func fakeSysfs(t *testing.T, devices int, busy ...int) string {
	t.Helper()

	root := t.TempDir()

	params := filepath.Join(root, "module/nbd/parameters")
	require.NoError(t, os.MkdirAll(params, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(params, "nbds_max"), fmt.Appendf(nil, "%d\n", devices), 0o644))

	for i := range devices {
		dir := filepath.Join(root, fmt.Sprintf("block/nbd%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "size"), []byte("0\n"), 0o644))
	}

	for _, i := range busy {
		setBusy(t, root, i, true)
	}

	return root
}

func setBusy(t *testing.T, root string, slot int, busy bool) {
	t.Helper()

	pid := filepath.Join(root, fmt.Sprintf("block/nbd%d/pid", slot))
	if busy {
		require.NoError(t, os.WriteFile(pid, []byte("1\n"), 0o644))
	} else {
		require.NoError(t, os.Remove(pid))
	}
}

func newTestPool(t *testing.T, sysfs string) *DevicePool {
	t.Helper()

	counter, err := noopMetric.Meter{}.Int64UpDownCounter("slots")
	require.NoError(t, err)

	pool, err := NewDevicePool(sysfs, counter)
	require.NoError(t, err)

	return pool
}

func TestDevicePool_GetDevice(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, fakeSysfs(t, 4, 0, 2))

	first, err := pool.GetDevice(t.Context())
	require.NoError(t, err)
	assert.Equal(t, DeviceSlot(1), first)

	second, err := pool.GetDevice(t.Context())
	require.NoError(t, err)
	assert.Equal(t, DeviceSlot(3), second)

	_, err = pool.GetDevice(t.Context())
	require.ErrorAs(t, err, &ErrNoFreeSlots{})
}

func TestDevicePool_ReleaseDevice(t *testing.T) {
	t.Parallel()

	sysfs := fakeSysfs(t, 1)
	pool := newTestPool(t, sysfs)

	slot, err := pool.GetDevice(t.Context())
	require.NoError(t, err)

	setBusy(t, sysfs, int(slot), true)
	require.ErrorAs(t, pool.ReleaseDevice(t.Context(), slot), &ErrDeviceInUse{})

	setBusy(t, sysfs, int(slot), false)
	require.NoError(t, pool.ReleaseDevice(t.Context(), slot))

	again, err := pool.GetDevice(t.Context())
	require.NoError(t, err)
	assert.Equal(t, slot, again)
}

func TestDevicePool_ModuleNotLoaded(t *testing.T) {
	t.Parallel()

	_, err := NewDevicePool(t.TempDir(), nil)
	require.Error(t, err)
}

func TestGetDevicePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/dev/nbd7", GetDevicePath(7))
}
