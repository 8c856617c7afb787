package sockets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/metrics"
)

type SocketID string

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrQueueFull    = fmt.Errorf("socket send queue full: %w", domain.ErrTransportBusy)
)

// Conn is the part of a websocket connection the socket needs. It is
// satisfied by both the fiber server connection and the fasthttp client one.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type Options struct {
	// QueueSize bounds the number of messages waiting to be written.
	QueueSize int
	// PingInterval enables a heartbeat ping through the writer loop.
	PingInterval time.Duration
	// ReadTimeout, when set, is extended after every received message.
	ReadTimeout time.Duration
}

// Socket serializes writes to one websocket connection through a single
// writer goroutine. Send never blocks.
type Socket struct {
	id       SocketID
	conn     Conn
	opts     Options
	messages chan api.Message
	flush    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	closed   atomic.Bool
}

func NewSocket(id SocketID, conn Conn, opts Options) *Socket {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		id:       id,
		conn:     conn,
		opts:     opts,
		messages: make(chan api.Message, opts.QueueSize),
		flush:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Socket) ID() SocketID {
	return s.id
}

func (s *Socket) Start() {
	s.wg.Add(1)
	go s.messageWriterLoop()
}

func (s *Socket) Send(msg api.Message) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	select {
	case s.messages <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrSocketClosed
	default:
		return ErrQueueFull
	}
}

// Read blocks for the next message from the peer.
func (s *Socket) Read() (api.Message, error) {
	var msg api.Message
	if s.opts.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	if err := s.conn.ReadJSON(&msg); err != nil {
		return api.Message{}, err
	}
	metrics.SignallingMessagesTotal.WithLabelValues(string(msg.Event), "in").Inc()
	return msg, nil
}

// Close stops the writer and closes the connection. Safe to call more than once.
func (s *Socket) Close() error {
	s.closed.Store(true)
	return s.shutdown()
}

func (s *Socket) shutdown() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

// Flush stops accepting messages, writes what is queued and closes the
// socket. It gives up after timeout.
func (s *Socket) Flush(timeout time.Duration) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.flush)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	s.shutdown()
}

// Wait blocks until the writer goroutine exits.
func (s *Socket) Wait() {
	s.wg.Wait()
}

func (s *Socket) Closed() bool {
	return s.closed.Load()
}

func (s *Socket) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Socket) messageWriterLoop() {
	defer s.wg.Done()

	var ping <-chan time.Time
	if s.opts.PingInterval > 0 {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-s.messages:
			if err := s.conn.WriteJSON(msg); err != nil {
				slog.Error("failed to write message", "socketID", s.id, "event", msg.Event, "error", err)
				_ = s.Close()
				return
			}
			metrics.SignallingMessagesTotal.WithLabelValues(string(msg.Event), "out").Inc()
		case <-ping:
			if err := s.conn.WriteJSON(api.Message{
				Event: api.EventPing,
				Ping:  &api.PingMessage{Timestamp: time.Now().Unix()},
			}); err != nil {
				slog.Error("failed to send ping", "socketID", s.id, "error", err)
				_ = s.Close()
				return
			}
		case <-s.flush:
			for {
				select {
				case msg := <-s.messages:
					if err := s.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}
