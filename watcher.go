package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch returns a watcher that delivers matching signals on a
// channel, for callers that prefer draining a channel over
// registering callbacks.
//
// A newly created Watcher delivers nothing. The caller must use
// [Watcher.Match] to specify the signals of interest.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		rules:       mapset.New[*MatchRule](),
	}
	go w.pump()

	c.mu.Lock()
	closed := c.closed
	if !closed {
		if c.watchers == nil {
			c.watchers = mapset.New[*Watcher]()
		}
		c.watchers.Add(w)
	}
	c.mu.Unlock()
	if closed {
		w.stop()
	}
	return w
}

// A Watcher delivers signals received from the bus that match its
// rules.
type Watcher struct {
	conn     *Conn
	signals  chan *Notification
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	stopped bool
	queue   queue.Queue[*Notification]
	rules   mapset.Set[*MatchRule]
}

// Notification is one signal received from the bus.
type Notification struct {
	// Msg is the signal message.
	Msg *Message
	// Overflow reports that the watcher discarded some signals that
	// followed this one, due to the caller not draining delivered
	// notifications fast enough.
	Overflow bool
}

// Chan returns the channel on which notifications are delivered. It
// is closed when the watcher shuts down.
//
// The caller must drain this channel promptly. A watcher buffers a
// bounded number of undelivered signals; beyond that it discards,
// and marks the loss on the Overflow field of the last notification
// it kept.
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// Match requests delivery of signals that match rule.
//
// Rules are additive: a signal is delivered if it matches any of the
// watcher's rules. The returned remove function drops this rule
// without affecting the others; using it is optional.
func (w *Watcher) Match(rule *MatchRule) (remove func(), err error) {
	key := rule.String()
	if err := w.conn.addMatchRef(context.Background(), key); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.rules.Add(rule)
	return func() {
		w.conn.removeMatchRef(context.Background(), key)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.rules.Remove(rule)
	}, nil
}

// Close shuts down the watcher and releases its bus-side matches.
// The cleanup runs even if the pump already stopped because the
// connection failed, so a closed watcher retains no messages.
func (w *Watcher) Close() {
	w.stop()

	w.conn.mu.Lock()
	if w.conn.watchers != nil {
		w.conn.watchers.Remove(w)
	}
	w.conn.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	for r := range w.rules {
		w.conn.removeMatchRef(context.Background(), r.String())
	}
	w.rules.Clear()
	w.queue.Clear()
}

// stop halts the pump without touching the bus. It is idempotent,
// and returns only once the pump goroutine has exited.
//
// wakePump is deliberately left open: the connection's dispatch loop
// may be offering a signal concurrently, and a send on a closed
// channel would take down the process. The stopped flag, set under
// w.mu, is what fences off late deliveries.
func (w *Watcher) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopPump)
	}
	w.mu.Unlock()
	<-w.pumpStopped
}

// deliver offers a signal to the watcher. The connection's dispatch
// loop calls it for every inbound signal.
func (w *Watcher) deliver(m *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		// raced with a Close, this watcher is done.
		return
	}

	want := func() bool {
		for r := range w.rules {
			if r.Matches(m) {
				return true
			}
		}
		return false
	}()
	if !want {
		return
	}

	w.enqueueLocked(Notification{Msg: m})
}

func (w *Watcher) enqueueLocked(n Notification) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(&n)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
