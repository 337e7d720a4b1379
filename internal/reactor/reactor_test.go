package reactor

import (
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type countingHandler struct {
	reads, writes, errs atomic.Int32
	onRead              func()
}

func (h *countingHandler) HandleRead(fd int) {
	h.reads.Add(1)
	if h.onRead != nil {
		h.onRead()
	}
}
func (h *countingHandler) HandleWrite(fd int)        { h.writes.Add(1) }
func (h *countingHandler) HandleError(fd int, c int) { h.errs.Add(1) }

func TestAddHandlerDeliversReadability(t *testing.T) {
	r := New(2, time.Second)
	defer r.Fini()

	server, client := net.Pipe()
	defer client.Close()

	// net.Pipe is an in-memory, fd-less conn; exercise the worker
	// bookkeeping path with a real socketpair instead.
	_ = server

	a, b, err := socketpair()
	if err != nil {
		t.Skipf("socketpair unavailable: %v", err)
	}
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 1)
	h := &countingHandler{onRead: func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}}

	fd := FdFromConn(b)
	if ok := r.AddHandler(fd, h, Read, false, false); !ok {
		t.Fatal("AddHandler returned false")
	}

	if _, err := a.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw readability")
	}

	r.RemoveHandler(fd, Read)
}

func TestReactorTimerIntegration(t *testing.T) {
	r := New(1, time.Second)
	defer r.Fini()

	fired := make(chan struct{})
	id := r.ScheduleTimer(10*time.Millisecond, false, func(_ time.Time, _ any) {
		close(fired)
	}, nil)
	if id == 0 {
		t.Fatal("timer id must not be zero")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire through reactor")
	}
}

func TestLeastLoadedDistributesHandlers(t *testing.T) {
	r := New(4, time.Second)
	defer r.Fini()

	var fds []int
	var conns []net.Conn
	for i := 0; i < 8; i++ {
		a, b, err := socketpair()
		if err != nil {
			t.Skipf("socketpair unavailable: %v", err)
		}
		conns = append(conns, a, b)
		h := &countingHandler{}
		fd := FdFromConn(b)
		fds = append(fds, fd)
		if ok := r.AddHandler(fd, h, Read, false, false); !ok {
			t.Fatal("AddHandler returned false")
		}
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	counts := make([]int, len(r.io))
	for i, w := range r.io {
		counts[i] = w.liveCount()
	}
	var total int
	for _, c := range counts {
		total += c
	}
	if total != len(fds) {
		t.Errorf("total registered = %d, want %d (distribution %v)", total, len(fds), counts)
	}
	for i, c := range counts {
		if want := len(fds) / len(r.io); c != want {
			t.Errorf("worker %d has %d handlers, want %d (distribution %v)", i, c, want, counts)
		}
	}
}
