package observability

import (
	"context"
	"math"

	"github.com/labstack/gommon/bytes"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hydrowatch/hydrowatch/internal/errors"
)

// HostStats is the host resource snapshot reported by the health endpoint.
type HostStats struct {
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryAvailable   string  `json:"memory_available"`
	DiskPath          string  `json:"disk_path"`
	DiskFree          string  `json:"disk_free"`
	DiskFreeBytes     uint64  `json:"disk_free_bytes"`
	DiskUsedPercent   float64 `json:"disk_used_percent"`
}

// CollectHostStats reads uptime, memory and the usage of the filesystem
// holding diskPath. Any failed read fails the whole snapshot.
func CollectHostStats(ctx context.Context, diskPath string) (*HostStats, error) {
	stats := &HostStats{DiskPath: diskPath}

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, hostError("uptime", err).Build()
	}
	stats.UptimeSeconds = uptime

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, hostError("memory", err).Build()
	}
	stats.MemoryUsedPercent = vm.UsedPercent
	stats.MemoryAvailable = bytes.Format(clampInt64(vm.Available))

	usage, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return nil, hostError("disk", err).Context("path", diskPath).Build()
	}
	stats.DiskFreeBytes = usage.Free
	stats.DiskFree = bytes.Format(clampInt64(usage.Free))
	stats.DiskUsedPercent = usage.UsedPercent
	return stats, nil
}

func hostError(what string, err error) *errors.ErrorBuilder {
	return errors.Newf("failed to read host %s: %w", what, err).
		Component("observability").
		Category(errors.CategorySystem)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
