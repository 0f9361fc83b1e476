package cache

import (
	"fmt"
	"sync"
)

// UsageStats tracks disk-usage counters for bytes served from the local
// cache versus requests redirected straight to a mirror (spec.md §4.F
// database/complete_file/partial_file dispatch). Adapted from the
// teacher's Mirror.UsageStats; "Release/Index/Package" categories become
// "Database/Package" since this proxy caches package payloads only.
type UsageStats struct {
	mu             sync.Mutex
	DatabaseBytes  uint64 // bytes served by redirecting database requests
	PackageBytes   uint64 // bytes served from the local cache
	PackageFiles   int
	DatabaseHits   int
}

// AddDatabaseRedirect records a database request redirect to a mirror.
func (us *UsageStats) AddDatabaseRedirect() {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.DatabaseHits++
}

// AddPackageBytes records size bytes served from the local cache for a
// package file.
func (us *UsageStats) AddPackageBytes(size uint64) {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.PackageBytes += size
	us.PackageFiles++
}

// Snapshot returns a copy of the current counters.
func (us *UsageStats) Snapshot() UsageStats {
	us.mu.Lock()
	defer us.mu.Unlock()
	return UsageStats{
		DatabaseBytes: us.DatabaseBytes,
		PackageBytes:  us.PackageBytes,
		PackageFiles:  us.PackageFiles,
		DatabaseHits:  us.DatabaseHits,
	}
}

// String renders a one-line human-readable summary, used at shutdown.
func (us *UsageStats) String() string {
	s := us.Snapshot()
	return fmt.Sprintf("package bytes served: %s (%d files); database redirects: %d",
		formatBytes(s.PackageBytes), s.PackageFiles, s.DatabaseHits)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
