package cache

import (
	"context"
	"testing"
	"time"
)

func newTestSerializer(t *testing.T) (*Serializer, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	lengths := NewContentLengthCache(dir)
	if err := lengths.Load(); err != nil {
		t.Fatalf("lengths.Load: %v", err)
	}
	s := NewSerializer(dir, lengths)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

func TestSerializerStateQueryInvalidPath(t *testing.T) {
	s, cancel := newTestSerializer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	r, err := s.StateQuery(ctx, FileKey("../../etc/passwd"))
	if err != nil {
		t.Fatalf("StateQuery: %v", err)
	}
	if !r.invalidPath {
		t.Fatalf("StateQuery() invalidPath = false, want true")
	}
}

func TestSerializerStateQueryDatabase(t *testing.T) {
	s, cancel := newTestSerializer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	r, err := s.StateQuery(ctx, FileKey("core/os/x86_64/core.db"))
	if err != nil {
		t.Fatalf("StateQuery: %v", err)
	}
	if !r.isDatabase {
		t.Fatalf("StateQuery() isDatabase = false, want true")
	}
}

func TestSerializerAtMostOneDownloaderPerFile(t *testing.T) {
	s, cancel := newTestSerializer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	key := FileKey("core/os/x86_64/foo-1.0-1-x86_64.pkg.tar.zst")

	hdl1, err := s.StartDownload(ctx, key)
	if err != nil {
		t.Fatalf("first StartDownload: %v", err)
	}
	if hdl1 == nil {
		t.Fatal("first StartDownload returned nil handle")
	}

	if _, err := s.StartDownload(ctx, key); err == nil {
		t.Fatal("second concurrent StartDownload() = nil error, want error (at-most-one invariant)")
	}

	s.DownloadEnded(key, hdl1)
	time.Sleep(20 * time.Millisecond) // let the Run loop drain the message

	hdl2, err := s.StartDownload(ctx, key)
	if err != nil {
		t.Fatalf("StartDownload after DownloadEnded: %v", err)
	}
	if hdl2 == hdl1 {
		t.Fatal("second download reused the first handle")
	}
}

func TestSerializerDownloadEndedIgnoresStaleHandle(t *testing.T) {
	s, cancel := newTestSerializer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	key := FileKey("core/os/x86_64/foo-1.0-1-x86_64.pkg.tar.zst")

	hdl1, err := s.StartDownload(ctx, key)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	stale := &downloadHandle{key: key}
	s.DownloadEnded(key, stale)
	time.Sleep(20 * time.Millisecond)

	// hdl1 should still be registered as the active downloader, since the
	// stale handle didn't match.
	if _, err := s.StartDownload(ctx, key); err == nil {
		t.Fatal("StartDownload after a stale DownloadEnded should still fail: handle is still active")
	}
	_ = hdl1
}

func TestSerializerNotifyLengthKnownVisibleBeforeCompletion(t *testing.T) {
	s, cancel := newTestSerializer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	key := FileKey("core/os/x86_64/foo-1.0-1-x86_64.pkg.tar.zst")

	if _, err := s.StartDownload(ctx, key); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	s.NotifyLengthKnown(key, 12345)
	time.Sleep(20 * time.Millisecond) // let the Run loop drain the message

	r, err := s.StateQuery(ctx, key)
	if err != nil {
		t.Fatalf("StateQuery: %v", err)
	}
	if !r.haveLength || r.length != 12345 {
		t.Fatalf("StateQuery() haveLength=%v length=%d, want true/12345", r.haveLength, r.length)
	}
	if !r.downloading {
		t.Fatal("StateQuery() downloading = false, want true: length became known before completion")
	}
}
