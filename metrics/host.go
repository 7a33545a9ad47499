package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// HostSource reports host resource usage, each as a ratio in [0, 1].
type HostSource interface {
	CPUUsage() (float64, error)
	MemoryUsage() (float64, error)
	DiskUsage() (float64, error)
}

var _ HostSource = (*HostSampler)(nil)

// HostSampler reads CPU and memory from procfs and disk from statfs(2) on
// the filesystem holding diskPath.
//
// CPU usage covers the time since the previous call; the first call covers
// the time since boot.
type HostSampler struct {
	fs       procfs.FS
	diskPath string

	mu   sync.Mutex
	prev cpuTimes
}

type cpuTimes struct{ busy, total float64 }

// NewHostSampler opens procfs at procRoot, normally procfs.DefaultMountPoint.
func NewHostSampler(procRoot, diskPath string) (*HostSampler, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	return &HostSampler{fs: fs, diskPath: diskPath}, nil
}

func (h *HostSampler) CPUUsage() (float64, error) {
	stat, err := h.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("read cpu stat: %w", err)
	}
	c := stat.CPUTotal
	// guest time is already part of user time
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + idle + c.IRQ + c.SoftIRQ + c.Steal
	cur := cpuTimes{busy: total - idle, total: total}

	h.mu.Lock()
	prev := h.prev
	h.prev = cur
	h.mu.Unlock()

	dt := cur.total - prev.total
	if dt <= 0 {
		return 0, nil
	}
	return clamp((cur.busy - prev.busy) / dt), nil
}

func (h *HostSampler) MemoryUsage() (float64, error) {
	mem, err := h.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal == nil || *mem.MemTotal == 0 {
		return 0, errors.New("meminfo has no MemTotal")
	}
	avail := mem.MemAvailable
	if avail == nil {
		avail = mem.MemFree
	}
	if avail == nil {
		return 0, errors.New("meminfo has neither MemAvailable nor MemFree")
	}
	total := float64(*mem.MemTotal)
	return clamp((total - float64(*avail)) / total), nil
}

// DiskUsage matches df: used blocks over the blocks usable by non-root.
func (h *HostSampler) DiskUsage() (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(h.diskPath, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", h.diskPath, err)
	}
	used := float64(st.Blocks - st.Bfree)
	usable := used + float64(st.Bavail)
	if usable == 0 {
		return 0, nil
	}
	return clamp(used / usable), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
