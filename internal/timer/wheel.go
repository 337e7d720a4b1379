// Package timer implements the reactor's monotonic-clock min-heap timer
// factory: one-shot, recurring, and heartbeat timers with stable,
// globally-unique, non-zero ids.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/xid"
)

// ID is a globally unique, non-zero, sortable timer id.
type ID uint64

// Callback is invoked when a timer fires. now is the fire time; userData
// is whatever was passed to Schedule.
type Callback func(now time.Time, userData any)

// entry is one scheduled timer living in the heap.
type entry struct {
	id       ID
	deadline time.Time
	period   time.Duration // 0 for one-shot
	cb       Callback
	userData any
	index    int  // heap.Interface bookkeeping
	canceled bool
	firing   bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is the timer factory: a monotonic min-heap keyed on deadline,
// served by a single dedicated goroutine.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[ID]*entry
	wake    chan struct{}
	stop    chan struct{}
	stopped bool

	heartbeatPeriod time.Duration // shared period for heartbeat timers
}

// New starts a Wheel with the given default heartbeat period (spec §4.1:
// "default 1 s, adjustable").
func New(defaultHeartbeat time.Duration) *Wheel {
	if defaultHeartbeat <= 0 {
		defaultHeartbeat = time.Second
	}
	w := &Wheel{
		byID:            make(map[ID]*entry),
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		heartbeatPeriod: defaultHeartbeat,
	}
	go w.run()
	return w
}

func newID() ID {
	// xid.New embeds a 4-byte timestamp, 5 bytes of machine/pid and a
	// 3-byte per-process counter; keeping the timestamp, the low pid byte
	// and the counter in 64 bits and forcing the result non-zero gives ids
	// that stay distinct within a second without a counter of our own.
	var v uint64
	raw := xid.New().Bytes()
	for _, b := range raw[0:4] {
		v = v<<8 | uint64(b)
	}
	for _, b := range raw[8:12] {
		v = v<<8 | uint64(b)
	}
	if v == 0 {
		v = 1
	}
	return ID(v)
}

// Schedule arms a one-shot or recurring timer. deadline is now+delay;
// recurring timers re-arm on the same period, using max(now,
// deadline+period) on each firing to avoid drift catch-up storms.
func (w *Wheel) Schedule(delay time.Duration, recurring bool, cb Callback, userData any) ID {
	id := newID()
	e := &entry{
		id:       id,
		deadline: time.Now().Add(delay),
		cb:       cb,
		userData: userData,
	}
	if recurring {
		e.period = delay
	}
	w.mu.Lock()
	w.byID[id] = e
	heap.Push(&w.heap, e)
	w.mu.Unlock()
	w.nudge()
	return id
}

// ScheduleHeartbeat arms a recurring timer at the wheel's configured
// heartbeat period, aligned to the next period boundary.
func (w *Wheel) ScheduleHeartbeat(cb Callback, userData any) ID {
	w.mu.Lock()
	period := w.heartbeatPeriod
	w.mu.Unlock()
	id := w.Schedule(period, true, cb, userData)
	w.mu.Lock()
	if e, ok := w.byID[id]; ok && e.index >= 0 && period > 0 {
		e.deadline = time.Now().Truncate(period).Add(period)
		heap.Fix(&w.heap, e.index)
	}
	w.mu.Unlock()
	w.nudge()
	return id
}

// SetHeartbeatPeriod changes the shared period that later
// ScheduleHeartbeat calls use. Timers already armed, heartbeat timers
// included, keep the period they were scheduled with; Reschedule changes
// the period of an individual existing timer.
func (w *Wheel) SetHeartbeatPeriod(d time.Duration) {
	w.mu.Lock()
	w.heartbeatPeriod = d
	w.mu.Unlock()
}

// Reschedule rearms an existing timer with a new period, preserving its
// id. Used to move a heartbeat timer onto a newly configured period.
func (w *Wheel) Reschedule(id ID, newPeriod time.Duration) bool {
	w.mu.Lock()
	e, ok := w.byID[id]
	if !ok || e.canceled {
		w.mu.Unlock()
		return false
	}
	e.period = newPeriod
	e.deadline = time.Now().Add(newPeriod)
	heap.Fix(&w.heap, e.index)
	w.mu.Unlock()
	w.nudge()
	return true
}

// Cancel is idempotent. If the timer is already firing it guarantees the
// callback will not be invoked again.
func (w *Wheel) Cancel(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byID[id]
	if !ok {
		return
	}
	e.canceled = true
	delete(w.byID, id)
	if e.index >= 0 && e.index < len(w.heap) && w.heap[e.index] == e {
		heap.Remove(&w.heap, e.index)
	}
}

// Stop shuts down the timer thread. No further callbacks fire after
// Stop returns.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stop)
}

func (w *Wheel) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wheel) run() {
	timerCh := time.NewTimer(time.Hour)
	defer timerCh.Stop()
	for {
		w.mu.Lock()
		var next time.Time
		if len(w.heap) > 0 {
			next = w.heap[0].deadline
		}
		w.mu.Unlock()

		var wait time.Duration
		if next.IsZero() {
			wait = time.Hour
		} else {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timerCh.Stop() {
			select {
			case <-timerCh.C:
			default:
			}
		}
		timerCh.Reset(wait)

		select {
		case <-w.stop:
			return
		case <-w.wake:
			continue
		case <-timerCh.C:
			w.fireDue()
		}
	}
}

func (w *Wheel) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		e := heap.Pop(&w.heap).(*entry)
		if e.canceled {
			w.mu.Unlock()
			continue
		}
		e.firing = true
		cb := e.cb
		userData := e.userData
		period := e.period
		id := e.id
		w.mu.Unlock()

		cb(now, userData)

		w.mu.Lock()
		if period > 0 && !e.canceled {
			next := e.deadline.Add(period)
			if next.Before(now) {
				next = now
			}
			e.deadline = next
			e.firing = false
			heap.Push(&w.heap, e)
		} else {
			delete(w.byID, id)
		}
		w.mu.Unlock()
	}
}
