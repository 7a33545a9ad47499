package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProc(t *testing.T, dir, stat, meminfo string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o600))
}

const meminfo = `MemTotal:       16000000 kB
MemFree:         2000000 kB
MemAvailable:    4000000 kB
`

func TestHostSamplerCPUIsMeasuredBetweenCalls(t *testing.T) {
	proc := t.TempDir()
	writeProc(t, proc, "cpu  100 0 100 800 0 0 0 0 0 0\nbtime 1700000000\n", meminfo)
	h, err := NewHostSampler(proc, t.TempDir())
	require.NoError(t, err)

	v, err := h.CPUUsage()
	require.NoError(t, err)
	assert.InDelta(t, 0.2, v, 1e-9, "first call covers time since boot")

	// 300 more busy ticks out of 400
	writeProc(t, proc, "cpu  300 0 200 900 0 0 0 0 0 0\nbtime 1700000000\n", meminfo)
	v, err = h.CPUUsage()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-9)

	v, err = h.CPUUsage()
	require.NoError(t, err)
	assert.Zero(t, v, "no ticks elapsed")
}

func TestHostSamplerMemoryAndDisk(t *testing.T) {
	proc := t.TempDir()
	writeProc(t, proc, "cpu  1 0 1 8 0 0 0 0 0 0\n", meminfo)
	h, err := NewHostSampler(proc, t.TempDir())
	require.NoError(t, err)

	v, err := h.MemoryUsage()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-9)

	v, err = h.DiskUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)

	h.diskPath = filepath.Join(proc, "missing")
	_, err = h.DiskUsage()
	assert.Error(t, err)
}

func TestHostSamplerMemoryFallsBackToMemFree(t *testing.T) {
	proc := t.TempDir()
	writeProc(t, proc, "cpu  1 0 1 8 0 0 0 0 0 0\n", "MemTotal: 1000 kB\nMemFree: 250 kB\n")
	h, err := NewHostSampler(proc, proc)
	require.NoError(t, err)

	v, err := h.MemoryUsage()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-9)
}

type fixedHost struct {
	cpu, mem float64
	diskErr  error
}

func (f fixedHost) CPUUsage() (float64, error)    { return f.cpu, nil }
func (f fixedHost) MemoryUsage() (float64, error) { return f.mem, nil }
func (f fixedHost) DiskUsage() (float64, error)   { return 0, f.diskErr }

func TestHostGaugesSkipFailedReadings(t *testing.T) {
	c := NewCollector(nil).WatchHost(fixedHost{cpu: 0.25, mem: 0.5, diskErr: errors.New("statfs: no such file")},
		func(context.Context) (int, error) { return 3, nil })
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP obox_active_vms VMs whose record is running.
# TYPE obox_active_vms gauge
obox_active_vms 3
# HELP obox_host_cpu_usage_ratio Host CPU busy time over the last scrape interval.
# TYPE obox_host_cpu_usage_ratio gauge
obox_host_cpu_usage_ratio 0.25
# HELP obox_host_memory_usage_ratio Host memory in use, excluding reclaimable cache.
# TYPE obox_host_memory_usage_ratio gauge
obox_host_memory_usage_ratio 0.5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"obox_active_vms", "obox_host_cpu_usage_ratio", "obox_host_memory_usage_ratio", "obox_host_disk_usage_ratio"))
}

func TestHostGaugesAbsentWhenNotWatched(t *testing.T) {
	c := NewCollector(nil)
	assert.Zero(t, testutil.CollectAndCount(c, "obox_active_vms", "obox_host_cpu_usage_ratio"))
}
