// Package eventloop implements the single-threaded cooperative dispatcher
// (4.H, §5): one goroutine multiplexes child-exit notifications, fd events,
// per-unit timers, and the load, gc and dbus work queues, in that fixed
// priority order,
// draining everything observed in one iteration before blocking again. The
// ticker+select+stopCh shape is grounded on pkg/reconciler's Start/Stop/run
// lifecycle in the teacher, generalized from a single periodic tick to four
// prioritized event sources plus a timer heap.
package eventloop

import (
	"container/heap"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/unitd/pkg/log"
)

// ChildExit is delivered when a forked child this loop is watching exits.
type ChildExit struct {
	PID    int
	Status syscall.WaitStatus
}

// FDEvent is delivered when a watched file descriptor becomes readable.
type FDEvent struct {
	FD int
}

// Handlers are the callbacks the Manager wires in at startup; each
// corresponds to one of §5's four priority classes.
type Handlers struct {
	OnChildExit func(ChildExit)
	OnFDEvent   func(FDEvent)
	OnTimer     func(unitID string)
	DrainLoad   func()
	DrainGC     func()
	DrainDBus   func()
}

// timerEntry is one per-unit armed deadline; the loop keeps these in a
// min-heap ordered by Deadline so "next timer" is a O(1) peek.
type timerEntry struct {
	unitID   string
	deadline time.Time
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Loop is the event-loop goroutine owner. Handlers run only on this loop's
// own goroutine. Arm/Disarm and the Notify* injectors are safe to call from
// other goroutines (the control API): Arm/Disarm hold mu while they touch
// the timer heap, and the Notify* injectors push onto channels.
type Loop struct {
	h       Handlers
	log     zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool

	childCh chan ChildExit
	fdCh    chan FDEvent
	wakeCh  chan struct{}

	mu     sync.Mutex
	timers timerHeap
	byUnit map[string]*timerEntry
}

// New constructs a Loop bound to the given handler set. Channel depth is
// modest (systemd's own loop has no unbounded queue either; backpressure is
// the correct behavior for a cooperative single-threaded manager).
func New(h Handlers) *Loop {
	return &Loop{
		h:       h,
		log:     log.WithComponent("eventloop"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		childCh: make(chan ChildExit, 64),
		fdCh:    make(chan FDEvent, 64),
		wakeCh:  make(chan struct{}, 1),
		byUnit:  make(map[string]*timerEntry),
	}
}

// Start runs the loop in its own goroutine.
func (l *Loop) Start() {
	l.started = true
	go l.run()
}

// Stop requests the loop exit and, if Start was called, blocks until it has.
func (l *Loop) Stop() {
	close(l.stopCh)
	if l.started {
		<-l.doneCh
	}
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// NotifyChildExit injects a child exit into the loop from any goroutine. No
// SIGCHLD handler or reaper in this tree calls it; only tests do.
func (l *Loop) NotifyChildExit(e ChildExit) {
	l.childCh <- e
	l.wake()
}

// NotifyFD is the poller's injection point for a readable descriptor.
func (l *Loop) NotifyFD(e FDEvent) {
	l.fdCh <- e
	l.wake()
}

// Arm schedules (or reschedules) unitID's timer to fire at deadline.
func (l *Loop) Arm(unitID string, deadline time.Time) {
	defer l.wake()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.byUnit[unitID]; ok {
		e.deadline = deadline
		heap.Fix(&l.timers, e.index)
		return
	}
	e := &timerEntry{unitID: unitID, deadline: deadline}
	heap.Push(&l.timers, e)
	l.byUnit[unitID] = e
}

// Disarm cancels unitID's timer, if any.
func (l *Loop) Disarm(unitID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byUnit[unitID]
	if !ok {
		return
	}
	heap.Remove(&l.timers, e.index)
	delete(l.byUnit, unitID)
}

func (l *Loop) nextDeadline() (string, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return "", time.Time{}, false
	}
	e := l.timers[0]
	return e.unitID, e.deadline, true
}

func (l *Loop) popExpired(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var fired []string
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		delete(l.byUnit, e.unitID)
		fired = append(fired, e.unitID)
	}
	return fired
}

// run is the dispatcher. Each iteration: drain every pending child-exit,
// then every pending fd event, then every expired timer, then the load, gc
// and dbus queues once — the fixed priority order §5 requires — before blocking on
// whichever source can next produce work.
func (l *Loop) run() {
	defer close(l.doneCh)
	l.log.Info().Msg("event loop started")

	for {
		for l.drainChildExits() {
		}
		for l.drainFDEvents() {
		}
		for l.drainTimers() {
		}
		l.drainQueues()

		_, deadline, hasTimer := l.nextDeadline()
		var timerC <-chan time.Time
		var t *time.Timer
		if hasTimer {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(d)
			timerC = t.C
		}

		// The select here only decides *when* to wake, never *what* to
		// handle: reading directly from childCh/fdCh in a select case would
		// let Go's pseudo-random case choice process an fd event ahead of a
		// simultaneously pending child exit, violating the fixed priority
		// order. wakeCh carries no payload — the drain* calls at the top of
		// the next iteration re-establish strict child > fd > timer > queue
		// order over whatever actually arrived.
		select {
		case <-l.stopCh:
			if t != nil {
				t.Stop()
			}
			l.log.Info().Msg("event loop stopped")
			return
		case <-l.wakeCh:
		case <-timerC:
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (l *Loop) drainChildExits() bool {
	select {
	case e := <-l.childCh:
		if l.h.OnChildExit != nil {
			l.h.OnChildExit(e)
		}
		return true
	default:
		return false
	}
}

func (l *Loop) drainFDEvents() bool {
	select {
	case e := <-l.fdCh:
		if l.h.OnFDEvent != nil {
			l.h.OnFDEvent(e)
		}
		return true
	default:
		return false
	}
}

func (l *Loop) drainTimers() bool {
	fired := l.popExpired(time.Now())
	if len(fired) == 0 {
		return false
	}
	for _, unitID := range fired {
		if l.h.OnTimer != nil {
			l.h.OnTimer(unitID)
		}
	}
	return true
}

func (l *Loop) drainQueues() {
	if l.h.DrainLoad != nil {
		l.h.DrainLoad()
	}
	if l.h.DrainGC != nil {
		l.h.DrainGC()
	}
	if l.h.DrainDBus != nil {
		l.h.DrainDBus()
	}
}
