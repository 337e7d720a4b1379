package reactor

import (
	"net"
	"runtime"

	"github.com/higebu/netfd"
)

// FdFromConn extracts the raw file descriptor backing conn so it can be
// registered directly with a Demultiplexer. Transports hand the fd to the
// reactor once at registration time and never touch it again; the *File
// returned by netfd internally is kept alive by netfd itself via
// SetFinalizer, matching the pattern the metrics exporter in the wider
// corpus uses to read low-level socket state without owning the fd.
func FdFromConn(conn net.Conn) int {
	fd := netfd.GetFdFromConn(conn)
	runtime.KeepAlive(conn)
	return fd
}
