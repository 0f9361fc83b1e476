//go:build linux

package cache

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendFile transfers up to count bytes from src starting at offset to conn
// using the sendfile(2) zero-copy syscall, as spec.md §4.F mandates for
// complete-file and growing-file serving. It returns the number of bytes
// actually transferred.
func sendFile(conn *net.TCPConn, src *os.File, offset int64, count int64) (int64, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var sent int64
	var sendErr error
	off := offset
	remaining := count

	ctrlErr := raw.Write(func(fd uintptr) bool {
		for remaining > 0 {
			n, err := unix.Sendfile(int(fd), int(src.Fd()), &off, int(remaining))
			if n > 0 {
				sent += int64(n)
				remaining -= int64(n)
			}
			if err != nil {
				if err == unix.EAGAIN {
					return false // ask runtime to wait for writability, then retry
				}
				sendErr = err
				return true
			}
			if n == 0 {
				return true
			}
		}
		return true
	})
	if ctrlErr != nil {
		return sent, ctrlErr
	}
	return sent, sendErr
}
