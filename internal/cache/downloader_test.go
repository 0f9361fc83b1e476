package cache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDownloaderDownloadFullFile(t *testing.T) {
	payload := []byte("package-payload-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d := NewDownloader()
	var buf bytes.Buffer
	var reportedLength uint64

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	total, err := d.Download(ctx, []string{srv.URL}, FileKey("foo.pkg.tar.zst"), 0, &buf, func(l uint64) { reportedLength = l })
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if total != uint64(len(payload)) {
		t.Fatalf("total = %d, want %d", total, len(payload))
	}
	if reportedLength != total {
		t.Fatalf("reportedLength = %d, want %d", reportedLength, total)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("body = %q, want %q", buf.Bytes(), payload)
	}
}

func TestDownloaderFallsBackToNextMirror(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	payload := []byte("from-the-good-mirror")
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer good.Close()

	d := NewDownloader()
	var buf bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	total, err := d.Download(ctx, []string{bad.URL, good.URL}, FileKey("foo.pkg.tar.zst"), 0, &buf, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if total != uint64(len(payload)) {
		t.Fatalf("total = %d, want %d", total, len(payload))
	}
}

func TestDownloaderReturnsNotFoundWhenAllMirrors404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDownloader()
	var buf bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Download(ctx, []string{srv.URL}, FileKey("missing.pkg.tar.zst"), 0, &buf, nil)
	if err != ErrUpstreamNotFound {
		t.Fatalf("Download() error = %v, want ErrUpstreamNotFound", err)
	}
}

func TestDownloaderRangedRequest(t *testing.T) {
	full := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			w.Header().Set("Content-Range", "bytes 5-9/10")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(full[5:])
			return
		}
		w.Write(full)
	}))
	defer srv.Close()

	d := NewDownloader()
	var buf bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	total, err := d.Download(ctx, []string{srv.URL}, FileKey("foo"), 5, &buf, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if total != 10 {
		t.Fatalf("total = %d, want 10", total)
	}
	if !bytes.Equal(buf.Bytes(), full[5:]) {
		t.Fatalf("body = %q, want %q", buf.Bytes(), full[5:])
	}
}
