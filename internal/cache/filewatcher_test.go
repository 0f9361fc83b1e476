package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFilewatcherWaitForGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "growing.pkg.tar.zst")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w := NewFilewatcher(path)
	done := make(chan struct{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		f.WriteString(" world")
		f.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	size, complete, err := w.WaitForGrowth(ctx, 5, done)
	if err != nil {
		t.Fatalf("WaitForGrowth: %v", err)
	}
	if size != 11 {
		t.Fatalf("size = %d, want 11", size)
	}
	if complete {
		t.Fatalf("complete = true, want false (done not closed)")
	}
}

func TestFilewatcherCompletionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "done.pkg.tar.zst")
	if err := os.WriteFile(path, []byte("final contents"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w := NewFilewatcher(path)
	done := make(chan struct{})
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A late/duplicate completion notification must not block: both calls
	// return immediately with complete=true.
	for i := 0; i < 2; i++ {
		_, complete, err := w.WaitForGrowth(ctx, 0, done)
		if err != nil {
			t.Fatalf("WaitForGrowth call %d: %v", i, err)
		}
		if !complete {
			t.Fatalf("WaitForGrowth call %d: complete = false, want true", i)
		}
	}
}
