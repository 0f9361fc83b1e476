package cache

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// WriteWantedPackages writes body as the wanted-packages list for host,
// the action the POST endpoint in spec.md §4.F performs once auth has
// passed. It writes via a temp file + rename so a reader never observes a
// partially written list.
func WriteWantedPackages(directory, host string, body []byte) error {
	if !IsValidHostname(host) {
		return errors.New("WriteWantedPackages: invalid hostname: " + host)
	}

	tmp, err := os.CreateTemp(directory, ".wanted-*.tmp")
	if err != nil {
		return errors.Wrap(err, "WriteWantedPackages: create temp")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "WriteWantedPackages: write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "WriteWantedPackages: sync")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "WriteWantedPackages: close")
	}

	dest := filepath.Join(directory, host)
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "WriteWantedPackages: rename")
	}
	return DirSync(directory)
}

// IsValidHostname rejects anything that is not a plain path segment, so a
// POST cannot be used to write outside directory.
func IsValidHostname(host string) bool {
	if host == "" || host == "." || host == ".." {
		return false
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
