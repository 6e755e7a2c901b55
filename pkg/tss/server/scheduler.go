package server

import (
	"time"

	"github.com/eapache/queue"
)

// timerHandle identifies a scheduled action. The zero handle is never returned for a pending action.
type timerHandle uint64

type scheduledAction struct {
	handle timerHandle
	action func()

	// deadline is zero while it depends on a predecessor which has not run yet
	deadline time.Time
	// delay after the predecessor ran, only used when deadline is zero
	delay time.Duration
}

// faultScheduler owns the one-shot timers of a session.
//
// Actions run in the order they are scheduled, and never before their deadline.
// An action whose deadline has passed waits for earlier ones, so writes issued
// by actions can never interleave.
//
// Methods are never called concurrently: they all run on the session serve loop.
// The timer only calls wake, which must hand control back to that loop, where fire is called.
type faultScheduler struct {
	queue  *queue.Queue // of *scheduledAction, in scheduling order
	live   map[timerHandle]struct{}
	nextID timerHandle
	closed bool

	timer *time.Timer
	wake  func()
	now   func() time.Time
}

func newFaultScheduler(wake func()) *faultScheduler {
	return &faultScheduler{
		queue: queue.New(),
		live:  make(map[timerHandle]struct{}),
		wake:  wake,
		now:   time.Now,
	}
}

// Schedule runs action once d has elapsed and every earlier action has run.
// If nothing is pending and d <= 0, action runs before Schedule returns and the zero handle is returned.
func (fs *faultScheduler) Schedule(d time.Duration, action func()) timerHandle {
	if fs.closed {
		return 0
	}
	if d <= 0 && fs.queue.Length() == 0 {
		action()
		return 0
	}
	return fs.push(&scheduledAction{action: action, deadline: fs.now().Add(d)})
}

// Then runs action d after the previously scheduled action has run.
// With nothing pending, d counts from now.
func (fs *faultScheduler) Then(d time.Duration, action func()) timerHandle {
	if fs.closed {
		return 0
	}
	sa := &scheduledAction{action: action, delay: d}
	if fs.queue.Length() == 0 {
		sa.deadline = fs.now().Add(d)
	}
	return fs.push(sa)
}

func (fs *faultScheduler) push(sa *scheduledAction) timerHandle {
	fs.nextID++
	sa.handle = fs.nextID
	fs.live[sa.handle] = struct{}{}
	fs.queue.Add(sa)
	if fs.queue.Length() == 1 {
		fs.arm()
	}
	return sa.handle
}

// Cancel drops a pending action. Cancelling a fired, cancelled or unknown handle is a no-op.
func (fs *faultScheduler) Cancel(h timerHandle) {
	delete(fs.live, h)
}

// CancelAll drops every pending action and stops the timer.
// The scheduler accepts no more actions afterwards.
func (fs *faultScheduler) CancelAll() {
	fs.closed = true
	if fs.timer != nil {
		fs.timer.Stop()
	}
	fs.queue = queue.New()
	fs.live = make(map[timerHandle]struct{})
}

// Pending returns the number of actions waiting to run.
func (fs *faultScheduler) Pending() int {
	return len(fs.live)
}

// fire runs every action which is due, in order, then re-arms the timer for the next one.
func (fs *faultScheduler) fire() {
	for !fs.closed && fs.queue.Length() > 0 {
		sa := fs.queue.Peek().(*scheduledAction)
		if _, ok := fs.live[sa.handle]; !ok {
			fs.queue.Remove()
			fs.resolveNext(fs.now())
			continue
		}
		now := fs.now()
		if now.Before(sa.deadline) {
			break
		}
		fs.queue.Remove()
		delete(fs.live, sa.handle)
		sa.action()
		fs.resolveNext(fs.now())
	}
	if !fs.closed && fs.queue.Length() > 0 {
		fs.arm()
	}
}

// resolveNext fixes the deadline of the head action if it was waiting for its predecessor.
func (fs *faultScheduler) resolveNext(ran time.Time) {
	if fs.queue.Length() == 0 {
		return
	}
	next := fs.queue.Peek().(*scheduledAction)
	if next.deadline.IsZero() {
		next.deadline = ran.Add(next.delay)
	}
}

func (fs *faultScheduler) arm() {
	head := fs.queue.Peek().(*scheduledAction)
	wait := head.deadline.Sub(fs.now())
	if wait < 0 {
		wait = 0
	}
	if fs.timer == nil {
		fs.timer = time.AfterFunc(wait, fs.wake)
		return
	}
	fs.timer.Stop()
	fs.timer.Reset(wait)
}
