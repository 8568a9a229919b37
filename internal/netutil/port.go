// Package netutil holds small networking helpers used by the
// reference-side client. The engine-side server binds port 0 on its own
// listener directly and does not use it.
package netutil

import (
	"fmt"
	"net"
)

// FindAvailablePort binds to port 0 on loopback, reads back the port the
// OS assigned via the listener's address, then closes the listener so a
// subprocess can bind the same port itself.
//
// There is an inherent TOCTOU race between closing the listener here and
// the subprocess binding it — the same race the original implementation
// accepts, since SO_REUSEADDR/SO_REUSEPORT make it exceedingly unlikely
// for the freed port to be stolen in process-launch latency.
func FindAvailablePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find available port: %w", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		l.Close()
		return 0, fmt.Errorf("find available port: unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("find available port: close: %w", err)
	}
	return port, nil
}
