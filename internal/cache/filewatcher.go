package cache

import (
	"context"
	"os"
	"time"
)

// filewatcherPollInterval is the ~100ms polling cadence spec.md §4.E
// mandates for observing a growing cache file.
const filewatcherPollInterval = 100 * time.Millisecond

// Filewatcher polls a growing local file's size and notifies a reader when
// either more bytes are available or the download has finished, the same
// role the teacher's storage layer leaves implicit but spec.md §4.E makes
// an explicit, independently testable component.
type Filewatcher struct {
	path string
}

// NewFilewatcher observes the file at path.
func NewFilewatcher(path string) *Filewatcher {
	return &Filewatcher{path: path}
}

// WaitForGrowth blocks until the file at f.path grows past atLeast bytes,
// the done channel closes (signaling file_complete), or ctx is canceled.
// It returns the file's current size and whether the download is done.
//
// Idempotence (spec.md's F1 property): calling WaitForGrowth again after
// done has already closed returns immediately with done=true, so a late or
// duplicate completion notification never blocks a caller.
func (f *Filewatcher) WaitForGrowth(ctx context.Context, atLeast int64, done <-chan struct{}) (size int64, complete bool, err error) {
	ticker := time.NewTicker(filewatcherPollInterval)
	defer ticker.Stop()

	for {
		size, statErr := f.size()
		if statErr == nil && size > atLeast {
			return size, isClosed(done), nil
		}

		select {
		case <-done:
			size, _ := f.size()
			return size, true, nil
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Filewatcher) size() (int64, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
