package handshake

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ServicePreambleSize is the 4-byte {serviceId, serviceOpt, r, r+1}
// selector the active side sends after reading the acceptor's preamble
// nonce.
const ServicePreambleSize = 4

// ErrBadPreamble is returned when the service preamble's self-check
// byte (serviceData[3] != serviceData[2]+1) fails.
var ErrBadPreamble = errors.New("handshake: bad service preamble checksum")

// ServicePreamble routes one listening port to a specific mmType/opt
// without a dedicated socket per service.
type ServicePreamble struct {
	ServiceID  uint8
	ServiceOpt uint8
	r          uint8
}

func (p ServicePreamble) encode() [ServicePreambleSize]byte {
	return [ServicePreambleSize]byte{p.ServiceID, p.ServiceOpt, p.r, p.r + 1}
}

func decodeServicePreamble(buf [ServicePreambleSize]byte) (ServicePreamble, error) {
	if buf[3] != buf[2]+1 {
		return ServicePreamble{}, ErrBadPreamble
	}
	return ServicePreamble{ServiceID: buf[0], ServiceOpt: buf[1], r: buf[2]}, nil
}

// AcceptPreamble drives the passive side of the optional service
// extension: send a 16-byte nonce, then read and validate the 4-byte
// service selector. Returns ErrBadPreamble (and closes nothing itself —
// the caller owns the conn) if the self-check fails.
func AcceptPreamble(conn net.Conn, timeout time.Duration) (ServicePreamble, error) {
	nonce, err := NewPreambleNonce()
	if err != nil {
		return ServicePreamble{}, fmt.Errorf("[handshake] preamble nonce: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(nonce[:]); err != nil {
		return ServicePreamble{}, fmt.Errorf("[handshake] write preamble nonce: %w", err)
	}

	var buf [ServicePreambleSize]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		return ServicePreamble{}, fmt.Errorf("[handshake] read service preamble: %w", err)
	}
	return decodeServicePreamble(buf)
}

// DialPreamble drives the active side: read the acceptor's 16-byte
// nonce (only the length matters to this side; it carries no challenge
// this handshake variant needs to answer) and send the 4-byte service
// selector.
func DialPreamble(conn net.Conn, serviceID, serviceOpt uint8, timeout time.Duration) error {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	var nonce [PreambleNonceSize]byte
	if _, err := readFull(conn, nonce[:]); err != nil {
		return fmt.Errorf("[handshake] read preamble nonce: %w", err)
	}

	r, err := randomByte()
	if err != nil {
		return fmt.Errorf("[handshake] preamble r: %w", err)
	}
	p := ServicePreamble{ServiceID: serviceID, ServiceOpt: serviceOpt, r: r}
	buf := p.encode()
	if _, err := conn.Write(buf[:]); err != nil {
		return fmt.Errorf("[handshake] write service preamble: %w", err)
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
