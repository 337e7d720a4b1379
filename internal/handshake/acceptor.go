package handshake

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
)

// DefaultMaxPendingAccepts bounds preamble-phase resource use against
// connect floods (spec §4.3: "pending-accept cap default 10000").
const DefaultMaxPendingAccepts = 10000

// Accepted is one connection handed off by Acceptor.Accept, already past
// the optional service-extension preamble.
type Accepted struct {
	Conn     net.Conn
	Preamble ServicePreamble
}

// Acceptor owns a TCP listener and, on Unix, a companion Unix-domain
// listener at /tmp/libpronet_127001_{port} (original_source's
// pro_acceptor.cpp shadow socket), both feeding one accept stream.
type Acceptor struct {
	tcpLn  net.Listener
	unixLn net.Listener
	unixPath string

	conns  chan Accepted
	errs   chan error

	pending      atomic.Int32
	maxPending   int32
	preamble     bool

	Accepted_ atomic.Int64 // service-extension pre-handshake accepted count
	Rejected_ atomic.Int64 // service-extension pre-handshake rejected count
}

// NewAcceptor binds addr and, where supported, the Unix-domain shadow
// listener. enablePreamble gates whether the service-extension preamble
// runs before a connection is handed to the caller.
func NewAcceptor(addr string, enablePreamble bool, maxPending int32) (*Acceptor, error) {
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[acceptor] listen tcp %s: %w", addr, err)
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingAccepts
	}
	a := &Acceptor{
		tcpLn:      tcpLn,
		conns:      make(chan Accepted, 64),
		errs:       make(chan error, 2),
		maxPending: maxPending,
		preamble:   enablePreamble,
	}

	if _, port, err := net.SplitHostPort(tcpLn.Addr().String()); err == nil {
		path := fmt.Sprintf("/tmp/libpronet_127001_%s", port)
		_ = os.Remove(path)
		if unixLn, err := net.Listen("unix", path); err == nil {
			a.unixLn = unixLn
			a.unixPath = path
			go a.acceptLoop(unixLn)
		}
	}

	go a.acceptLoop(tcpLn)
	return a, nil
}

func (a *Acceptor) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.errs <- err
			return
		}
		if a.pending.Load() >= a.maxPending {
			a.Rejected_.Add(1)
			_ = conn.Close()
			continue
		}
		a.pending.Add(1)
		go a.finishAccept(conn)
	}
}

func (a *Acceptor) finishAccept(conn net.Conn) {
	defer a.pending.Add(-1)
	if !a.preamble {
		a.Accepted_.Add(1)
		a.conns <- Accepted{Conn: conn}
		return
	}
	p, err := AcceptPreamble(conn, PreambleTimeout)
	if err != nil {
		a.Rejected_.Add(1)
		_ = conn.Close()
		return
	}
	a.Accepted_.Add(1)
	a.conns <- Accepted{Conn: conn, Preamble: p}
}

// Accept blocks for the next fully-preambled connection from either
// listener, or returns the first listener error observed.
func (a *Acceptor) Accept() (Accepted, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case err := <-a.errs:
		return Accepted{}, err
	}
}

func (a *Acceptor) Addr() net.Addr { return a.tcpLn.Addr() }

// Accepted reports the lifetime count of connections that cleared the
// preamble phase, for the prometheus collector.
func (a *Acceptor) Accepted() uint64 { return uint64(a.Accepted_.Load()) }

// Rejected reports the lifetime count of connections dropped at the
// pending cap or a failed preamble, for the prometheus collector.
func (a *Acceptor) Rejected() uint64 { return uint64(a.Rejected_.Load()) }

// Pending reports the number of connections currently between socket
// accept and preamble completion, for the prometheus collector.
func (a *Acceptor) Pending() int { return int(a.pending.Load()) }

func (a *Acceptor) Close() error {
	err := a.tcpLn.Close()
	if a.unixLn != nil {
		_ = a.unixLn.Close()
		_ = os.Remove(a.unixPath)
	}
	return err
}
