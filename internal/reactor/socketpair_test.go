package reactor

import "net"

// socketpair returns a connected pair of loopback TCP conns, each backed
// by a real fd the reactor can register — net.Pipe's conns have no fd and
// can't exercise the epoll/select backends.
func socketpair() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	select {
	case server := <-acceptCh:
		return client, server, nil
	case err := <-errCh:
		client.Close()
		return nil, nil, err
	}
}
