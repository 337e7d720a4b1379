//go:build !linux

package reactor

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrFdTooLarge is returned by Add when fd would index past a select()
// fd_set's fixed Bits array (spec §4.1: "select on Linux: verify
// fd < FD_SETSIZE at register time; refuse otherwise" — the same
// requirement applies to this portable select() backend).
var ErrFdTooLarge = errors.New("reactor: fd exceeds FD_SETSIZE")

// selectDemux is the portable Demultiplexer backend for platforms without
// epoll (darwin, the BSDs). It is the select() fallback spec §4.1 calls
// for when the faster epoll path isn't available; fd sets are rebuilt on
// every Wait since unix.Select takes value, not incremental, sets.
type selectDemux struct {
	mu    sync.Mutex
	masks map[int]Mask
	wakeR int
	wakeW int
}

func newDemultiplexer() Demultiplexer {
	fds := []int{0, 0}
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		panic("reactor: pipe2: " + err.Error())
	}
	return &selectDemux{masks: make(map[int]Mask), wakeR: fds[0], wakeW: fds[1]}
}

func (d *selectDemux) Add(fd int, mask Mask, isListener, isConnecting bool) error {
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return ErrFdTooLarge
	}
	d.mu.Lock()
	d.masks[fd] = mask
	d.mu.Unlock()
	return nil
}

func (d *selectDemux) Remove(fd int, mask Mask) error {
	d.mu.Lock()
	remaining := d.masks[fd] &^ mask
	if remaining == 0 {
		delete(d.masks, fd)
	} else {
		d.masks[fd] = remaining
	}
	d.mu.Unlock()
	return nil
}

func (d *selectDemux) Wait(timeout time.Duration, deliver func(fd int, readable, writable bool, errCode int)) error {
	d.mu.Lock()
	snapshot := make(map[int]Mask, len(d.masks))
	for fd, m := range d.masks {
		snapshot[fd] = m
	}
	d.mu.Unlock()

	var rfds, wfds unix.FdSet
	maxFd := d.wakeR
	addFd(&rfds, d.wakeR)
	for fd, m := range snapshot {
		if m&Read != 0 || m&Exception != 0 {
			addFd(&rfds, fd)
		}
		if m&Write != 0 {
			addFd(&wfds, fd)
		}
		if fd > maxFd {
			maxFd = fd
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFd+1, &rfds, &wfds, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n <= 0 {
		return nil
	}
	if fdIsSet(&rfds, d.wakeR) {
		var buf [64]byte
		for {
			if _, err := unix.Read(d.wakeR, buf[:]); err != nil {
				break
			}
		}
	}
	for fd := range snapshot {
		readable := fdIsSet(&rfds, fd)
		writable := fdIsSet(&wfds, fd)
		if readable || writable {
			deliver(fd, readable, writable, 0)
		}
	}
	runtime.Gosched()
	return nil
}

func (d *selectDemux) Wakeup() {
	var b [1]byte
	_, _ = unix.Write(d.wakeW, b[:])
}

func (d *selectDemux) Close() error {
	_ = unix.Close(d.wakeR)
	return unix.Close(d.wakeW)
}

func addFd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

func defaultParallelism() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}
