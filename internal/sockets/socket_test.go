package sockets

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
)

type fakeConn struct {
	mu      sync.Mutex
	written []api.Message
	inbox   chan []byte
	closed  bool
	block   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 8)}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.written = append(c.written, v.(api.Message))
	return nil
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	raw, ok := <-c.inbox
	if !ok {
		return io.EOF
	}
	return json.Unmarshal(raw, v)
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events() []api.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Event, 0, len(c.written))
	for _, m := range c.written {
		out = append(out, m.Event)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSocketWritesInOrder(t *testing.T) {
	conn := newFakeConn()
	s := NewSocket("a", conn, Options{})
	s.Start()
	t.Cleanup(func() { _ = s.Close() })

	for _, e := range []api.Event{api.EventRegistered, api.EventUpdateRobotList, api.EventBeginSession} {
		if err := s.Send(api.Message{Event: e}); err != nil {
			t.Fatalf("Send(%s): %v", e, err)
		}
	}
	waitFor(t, func() bool { return len(conn.events()) == 3 })
	got := conn.events()
	if got[0] != api.EventRegistered || got[2] != api.EventBeginSession {
		t.Fatalf("write order = %v", got)
	}
}

func TestSocketSendAfterClose(t *testing.T) {
	conn := newFakeConn()
	s := NewSocket("a", conn, Options{})
	s.Start()
	_ = s.Close()
	_ = s.Close()

	if !s.Closed() {
		t.Fatalf("Closed() = false")
	}
	if err := s.Send(api.Message{Event: api.EventPong}); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Send after close = %v", err)
	}
	s.Wait()
}

func TestSocketQueueFullDoesNotBlock(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	s := NewSocket("a", conn, Options{QueueSize: 1})
	s.Start()
	t.Cleanup(func() {
		close(conn.block)
		_ = s.Close()
	})

	var full bool
	for i := 0; i < 10; i++ {
		if err := s.Send(api.Message{Event: api.EventPong}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull with a blocked writer")
	}
	if !errors.Is(ErrQueueFull, domain.ErrTransportBusy) {
		t.Fatalf("ErrQueueFull should match domain.ErrTransportBusy")
	}
}

func TestSocketFlushWritesQueued(t *testing.T) {
	conn := newFakeConn()
	s := NewSocket("a", conn, Options{})
	_ = s.Send(api.Message{Event: api.EventError})
	s.Start()
	s.Flush(time.Second)

	waitFor(t, func() bool { return len(conn.events()) == 1 })
	if !conn.isClosed() {
		t.Fatalf("Flush should close the connection")
	}
}

func TestSocketPing(t *testing.T) {
	conn := newFakeConn()
	s := NewSocket("a", conn, Options{PingInterval: 5 * time.Millisecond})
	s.Start()
	t.Cleanup(func() { _ = s.Close() })

	waitFor(t, func() bool {
		for _, e := range conn.events() {
			if e == api.EventPing {
				return true
			}
		}
		return false
	})
}

func TestSocketRead(t *testing.T) {
	conn := newFakeConn()
	s := NewSocket("a", conn, Options{ReadTimeout: time.Second})
	conn.inbox <- []byte(`{"event":"ping","ping":{"timestamp":7}}`)
	close(conn.inbox)

	msg, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Event != api.EventPing || msg.Ping.Timestamp != 7 {
		t.Fatalf("Read = %+v", msg)
	}
	if _, err := s.Read(); err == nil {
		t.Fatalf("expected error after inbox closed")
	}
}

func TestSocketPool(t *testing.T) {
	pool := NewSocketPool()
	first := NewSocket("a", newFakeConn(), Options{})
	second := NewSocket("a", newFakeConn(), Options{})

	pool.AddSocket(first)
	pool.AddSocket(second)
	if !first.Closed() {
		t.Fatalf("replaced socket should be closed")
	}
	if pool.GetSocket("a") != second {
		t.Fatalf("pool should hold the newest socket")
	}

	pool.RemoveSocket(first)
	if pool.Len() != 1 {
		t.Fatalf("removing a replaced socket must keep the live one")
	}
	pool.Close()
	if !second.Closed() || pool.Len() != 0 {
		t.Fatalf("Close should close and forget every socket")
	}
}
