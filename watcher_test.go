package dbus

import (
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/creachadair/mds/mapset"
)

// TestWatcherStopDuringDelivery hammers a watcher with concurrent
// deliveries while it shuts down. Deliveries racing a stop must be
// dropped quietly, never panic.
func TestWatcherStopDuringDelivery(t *testing.T) {
	sig := &Message{
		Type:      MessageTypeSignal,
		Serial:    1,
		Path:      "/com/example/player",
		Interface: "com.example.Player",
		Member:    "TrackChanged",
	}

	for range 50 {
		w := &Watcher{
			signals:     make(chan *Notification),
			wakePump:    make(chan struct{}, 1),
			stopPump:    make(chan struct{}),
			pumpStopped: make(chan struct{}),
			rules:       mapset.New(MatchSignals()),
		}
		go w.pump()

		var wg sync.WaitGroup
		start := make(chan struct{})
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for range 200 {
					w.deliver(sig)
				}
			}()
		}
		close(start)
		w.stop()
		wg.Wait()
	}
}

// rawTransport adapts one end of a net.Pipe into a transport with no
// file descriptor support, for driving a Conn without a bus.
type rawTransport struct {
	net.Conn
}

func (p rawTransport) SupportsUnixFDs() bool { return false }

func (p rawTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) > 0 {
		return 0, errors.New("no file support")
	}
	return p.Write(bs)
}

func (p rawTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("no file support")
}

// TestWatcherCloseAfterConnFailure checks that Close releases the
// watcher's rules and queued notifications even when the connection
// already failed and stopped the pump first.
func TestWatcherCloseAfterConnFailure(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	conn := NewConn(rawTransport{local}, WithLogger(log.New(io.Discard, "", 0)))
	w := conn.Watch()
	if _, err := w.Match(MatchSignals()); err != nil {
		t.Fatalf("Match() got err: %v", err)
	}

	sig := &Message{
		Type:      MessageTypeSignal,
		Serial:    1,
		Path:      "/com/example/player",
		Interface: "com.example.Player",
		Member:    "TrackChanged",
	}
	// Two deliveries with nobody draining the channel: the pump
	// blocks sending the first, the second stays queued.
	w.deliver(sig)
	w.deliver(sig)

	// Failing the connection stops the pump before Close gets to it.
	conn.Close()
	w.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.rules.Len(); n != 0 {
		t.Errorf("%d match rules retained after Close", n)
	}
	if n := w.queue.Len(); n != 0 {
		t.Errorf("%d queued notifications retained after Close", n)
	}
}
