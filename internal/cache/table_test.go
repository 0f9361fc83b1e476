package cache

import (
	"path/filepath"
	"testing"
)

func TestContentLengthCacheAddGet(t *testing.T) {
	dir := t.TempDir()
	c := NewContentLengthCache(dir)
	if err := c.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}

	if _, ok := c.Get("foo.pkg.tar.zst"); ok {
		t.Fatalf("Get on empty cache returned ok=true")
	}

	if err := c.Add("foo.pkg.tar.zst", 12345); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := c.Get("foo.pkg.tar.zst")
	if !ok || got != 12345 {
		t.Fatalf("Get() = (%d, %v), want (12345, true)", got, ok)
	}
}

func TestContentLengthCachePersists(t *testing.T) {
	dir := t.TempDir()

	c1 := NewContentLengthCache(dir)
	if err := c1.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c1.Add("bar.pkg.tar.zst", 999); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c2 := NewContentLengthCache(dir)
	if err := c2.Load(); err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	got, ok := c2.Get("bar.pkg.tar.zst")
	if !ok || got != 999 {
		t.Fatalf("reloaded Get() = (%d, %v), want (999, true)", got, ok)
	}
}

func TestDiskTableSetOverwrites(t *testing.T) {
	dir := t.TempDir()
	table := newDiskTable[string](filepath.Join(dir, "t.json"))

	if err := table.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := table.Set("k", "v2"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := table.Get("k")
	if !ok || got != "v2" {
		t.Fatalf("Get() = (%q, %v), want (\"v2\", true)", got, ok)
	}
}
