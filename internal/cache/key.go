package cache

import (
	"net/url"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidPath is returned when a request URI normalizes to a path that
// escapes the cache root. It maps to the Serializer's invalid_path reply
// and, ultimately, a 404 to the client.
var ErrInvalidPath = errors.New("invalid path")

// FileKey is a request URI normalized into a cache-relative, slash-separated
// path. It doubles as the coordination key used by the Serializer and as the
// suffix joined under "<cache_directory>/pkg/" to form the on-disk path.
type FileKey string

// NormalizeFileKey percent-decodes uri, strips any leading slash, and
// rejects anything that would not stay within the cache root once joined
// to it. This is the single path-safety choke point used by both the
// Client Request Actor's classifier and the Serializer's state_query
// handler, per spec.md's "invalid_path" open question.
func NormalizeFileKey(uri string) (FileKey, error) {
	decoded, err := url.PathUnescape(uri)
	if err != nil {
		return "", errors.Wrap(ErrInvalidPath, "percent-decode")
	}

	decoded = strings.TrimPrefix(decoded, "/")
	if decoded == "" {
		return "", errors.Wrap(ErrInvalidPath, "empty path")
	}

	// A path whose ".." segments climb above its own start would escape the
	// cache root once joined to it: reject it.
	if rel := path.Clean(decoded); rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Wrap(ErrInvalidPath, "escapes cache root")
	}

	// Prepending "/" before Clean anchors what is left (e.g. a remainder
	// that still starts with "/") to the root, so cleaned never contains a
	// ".." component once the leading slash is stripped back off.
	cleaned := path.Clean("/" + decoded)[1:]
	if cleaned == "" || cleaned == "." {
		return "", errors.Wrap(ErrInvalidPath, "empty after clean")
	}

	return FileKey(cleaned), nil
}

// Basename returns the final path element, the key used by the
// Content-Length Cache (it is keyed by basename, not by full path).
func (k FileKey) Basename() string {
	return path.Base(string(k))
}

// IsDatabase reports whether k names a pacman sync database (core.db,
// extra.db, and their .sig/.old variants), which spec.md always redirects
// rather than caches.
func (k FileKey) IsDatabase() bool {
	base := k.Basename()
	base = strings.TrimSuffix(base, ".sig")
	base = strings.TrimSuffix(base, ".old")
	return strings.HasSuffix(base, ".db")
}

// CachePath joins k under the cache directory's "pkg" subtree.
func (k FileKey) CachePath(cacheDir string) string {
	return path.Join(cacheDir, "pkg", string(k))
}
