package diskspace

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// Guard performs the pre-admission free-space check. It is consulted only
// at admission time; a transfer already running is never aborted for space.
type Guard struct {
	// Margin multiplies the estimated size so a download cannot starve the
	// filesystem to zero.
	Margin float64
	// MinFree is an absolute floor of bytes that must remain free after the
	// download.
	MinFree int64

	// usageFn is swappable in tests.
	usageFn func(path string) (*disk.UsageStat, error)
}

func NewGuard(margin float64, minFree int64) *Guard {
	if margin < 1 {
		margin = 1
	}
	return &Guard{Margin: margin, MinFree: minFree, usageFn: disk.Usage}
}

// NewGuardWithUsage injects a usage function; used by tests.
func NewGuardWithUsage(margin float64, minFree int64, usageFn func(string) (*disk.UsageStat, error)) *Guard {
	g := NewGuard(margin, minFree)
	g.usageFn = usageFn
	return g
}

// nearestExisting walks up from dir until it finds a directory that exists,
// so the volume can be measured before the destination is created.
func nearestExisting(dir string) string {
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// Free returns the free bytes on the volume holding dir.
func (g *Guard) Free(dir string) (int64, error) {
	stat, err := g.usageFn(nearestExisting(dir))
	if err != nil {
		return 0, err
	}
	return int64(stat.Free), nil
}

// HasSpaceFor reports whether the destination volume can hold estimated
// bytes plus the safety margin. An unknown size (<= 0) is admitted; the
// transfer may still fail later, which is the documented limitation.
func (g *Guard) HasSpaceFor(dir string, estimated int64) (bool, int64, error) {
	free, err := g.Free(dir)
	if err != nil {
		// Measurement failure should not wedge the queue.
		return true, 0, err
	}
	if estimated <= 0 {
		return free > g.MinFree, free, nil
	}
	required := int64(float64(estimated)*g.Margin) + g.MinFree
	return free >= required, free, nil
}
