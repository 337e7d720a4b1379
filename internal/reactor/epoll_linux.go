//go:build linux

package reactor

import (
	"errors"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// epollDemux is the Linux Demultiplexer backend: one epoll instance per
// I/O worker, edge-triggered-free (level-triggered) so a handler that
// doesn't drain a socket in one dispatch sees it ready again next Wait.
type epollDemux struct {
	epfd   int
	wakeR  int
	wakeW  int
	events []unix.EpollEvent
}

func newDemultiplexer() Demultiplexer {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		panic("reactor: epoll_create1: " + err.Error())
	}
	fds := []int{0, 0}
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		panic("reactor: pipe2: " + err.Error())
	}
	d := &epollDemux{epfd: epfd, wakeR: fds[0], wakeW: fds[1], events: make([]unix.EpollEvent, 256)}
	_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, d.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(d.wakeR)})
	return d
}

func eventsFor(mask Mask) uint32 {
	var ev uint32
	if mask&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	if mask&Exception != 0 {
		ev |= unix.EPOLLPRI
	}
	return ev
}

func (d *epollDemux) Add(fd int, mask Mask, isListener, isConnecting bool) error {
	ev := &unix.EpollEvent{Events: eventsFor(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, ev)
		}
		return err
	}
	return nil
}

func (d *epollDemux) Remove(fd int, mask Mask) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (d *epollDemux) Wait(timeout time.Duration, deliver func(fd int, readable, writable bool, errCode int)) error {
	n, err := unix.EpollWait(d.epfd, d.events, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := d.events[i]
		fd := int(ev.Fd)
		if fd == d.wakeR {
			var buf [64]byte
			for {
				if _, err := unix.Read(d.wakeR, buf[:]); err != nil {
					break
				}
			}
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			deliver(fd, false, false, -1)
			continue
		}
		deliver(fd, ev.Events&unix.EPOLLIN != 0, ev.Events&unix.EPOLLOUT != 0, 0)
	}
	runtime.Gosched()
	return nil
}

func (d *epollDemux) Wakeup() {
	var b [1]byte
	_, _ = unix.Write(d.wakeW, b[:])
}

func (d *epollDemux) Close() error {
	_ = unix.Close(d.wakeR)
	_ = unix.Close(d.wakeW)
	return unix.Close(d.epfd)
}

func defaultParallelism() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}
