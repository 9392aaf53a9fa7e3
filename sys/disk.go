// Package sys wraps host-level probes the engine depends on. Disk usage is
// the only one today; the stat function is injectable so tests can simulate
// full disks.
package sys

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskStats is the snapshot the retention monitor consumes.
type DiskStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// FreeFraction returns free space as a fraction of total, 1.0 for an empty
// or unknown-size volume.
func (s DiskStats) FreeFraction() float64 {
	if s.TotalBytes == 0 {
		return 1.0
	}
	return float64(s.FreeBytes) / float64(s.TotalBytes)
}

// DiskStatFunc reports usage of the volume holding path.
type DiskStatFunc func(path string) (DiskStats, error)

// DefaultDiskStat queries the real filesystem.
func DefaultDiskStat(path string) (DiskStats, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return DiskStats{}, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return DiskStats{TotalBytes: u.Total, FreeBytes: u.Free}, nil
}
