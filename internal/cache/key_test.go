package cache

import "testing"

func TestNormalizeFileKey(t *testing.T) {
	cases := []struct {
		name    string
		uri     string
		want    FileKey
		wantErr bool
	}{
		{"simple", "/core/os/x86_64/foo-1.0-1-x86_64.pkg.tar.zst", "core/os/x86_64/foo-1.0-1-x86_64.pkg.tar.zst", false},
		{"no leading slash", "core.db", "core.db", false},
		{"percent encoded", "/core/os/x86_64/foo%201.0.pkg.tar.zst", "core/os/x86_64/foo 1.0.pkg.tar.zst", false},
		// ".." segments that climb above the cache root are rejected with
		// ErrInvalidPath (the Serializer's invalid_path reply).
		{"parent traversal rejected", "/../../etc/passwd", "", true},
		{"embedded traversal rejected", "/core/../../etc/passwd", "", true},
		{"empty", "/", "", true},
		{"dot only", "/.", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeFileKey(tc.uri)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizeFileKey(%q) = %q, want error", tc.uri, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeFileKey(%q) unexpected error: %v", tc.uri, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeFileKey(%q) = %q, want %q", tc.uri, got, tc.want)
			}
		})
	}
}

func TestFileKeyIsDatabase(t *testing.T) {
	cases := []struct {
		key  FileKey
		want bool
	}{
		{"core.db", true},
		{"core.db.sig", true},
		{"core.db.old", true},
		{"extra/os/x86_64/core.db", true},
		{"foo-1.0-1-x86_64.pkg.tar.zst", false},
		{"foo-1.0-1-x86_64.pkg.tar.zst.sig", false},
	}

	for _, tc := range cases {
		if got := tc.key.IsDatabase(); got != tc.want {
			t.Errorf("FileKey(%q).IsDatabase() = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestFileKeyBasename(t *testing.T) {
	k := FileKey("core/os/x86_64/foo-1.0-1-x86_64.pkg.tar.zst")
	if got, want := k.Basename(), "foo-1.0-1-x86_64.pkg.tar.zst"; got != want {
		t.Errorf("Basename() = %q, want %q", got, want)
	}
}
