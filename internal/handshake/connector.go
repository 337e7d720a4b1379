package handshake

import (
	"fmt"
	"net"
	"time"
)

// Dial is the Connector mirror of Acceptor: non-blocking-equivalent
// dial (net.DialTimeout already returns once the TCP handshake
// completes), then the optional active-side service preamble.
func Dial(network, addr string, serviceID, serviceOpt uint8, enablePreamble bool, dialTimeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout(network, addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("[connector] dial %s: %w", addr, err)
	}
	if enablePreamble {
		if err := DialPreamble(conn, serviceID, serviceOpt, PreambleTimeout); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
