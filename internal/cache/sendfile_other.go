//go:build !linux

package cache

import (
	"io"
	"net"
	"os"
)

// sendFile is the portable fallback for non-Linux targets: an ordinary
// io.Copy from a SectionReader, since sendfile(2) has no equivalent
// syscall-level API there worth special-casing.
func sendFile(conn *net.TCPConn, src *os.File, offset int64, count int64) (int64, error) {
	sr := io.NewSectionReader(src, offset, count)
	return io.Copy(conn, sr)
}
