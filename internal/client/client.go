package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/sockets"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	incomingQueueSize       = 64
)

var ErrHandshake = errors.New("registration handshake failed")

type Options struct {
	// URL of the hub. A bare host URL gets the signalling path appended.
	URL        string
	Identity   domain.Identity
	Credential string
	// RobotID asks the hub for a session right after an operator registers.
	RobotID string
	// PingInterval is used when the hub announces none.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Client is a registered connection to the hub.
type Client struct {
	identity   domain.Identity
	socket     *sockets.Socket
	registered api.RegisteredMessage
	incoming   chan api.Message
	done       chan struct{}

	mu  sync.Mutex
	err error
}

func SignalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = api.SignalPath
	}
	return u.String(), nil
}

// Connect dials the hub and completes registration. The returned client
// pings the hub in the background until closed.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	target, err := SignalURL(opts.URL)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", target, err)
	}

	registered, err := handshake(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	pingInterval := time.Duration(registered.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = opts.PingInterval
	}

	c := &Client{
		identity:   opts.Identity,
		socket:     sockets.NewSocket(sockets.SocketID(opts.Identity.ID), conn, sockets.Options{PingInterval: pingInterval}),
		registered: registered,
		incoming:   make(chan api.Message, incomingQueueSize),
		done:       make(chan struct{}),
	}
	c.socket.Start()
	go c.readLoop()

	slog.Info("registered with hub", "url", target, "identity", opts.Identity)
	return c, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, opts Options) (api.RegisteredMessage, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetWriteDeadline(time.Time{})

	err := conn.WriteJSON(api.Message{
		Event:  api.EventRegisterClient,
		FromID: opts.Identity.ID,
		Register: &api.RegisterMessage{
			ID:         opts.Identity.ID,
			Name:       opts.Identity.Name,
			Role:       opts.Identity.Role,
			RobotID:    opts.RobotID,
			Credential: opts.Credential,
		},
	})
	if err != nil {
		return api.RegisteredMessage{}, fmt.Errorf("%w: send register: %v", ErrHandshake, err)
	}

	for {
		var msg api.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return api.RegisteredMessage{}, fmt.Errorf("%w: read reply: %v", ErrHandshake, err)
		}
		switch msg.Event {
		case api.EventRegistered:
			if msg.Registered == nil {
				return api.RegisteredMessage{}, nil
			}
			return *msg.Registered, nil
		case api.EventError:
			if msg.Error != nil {
				return api.RegisteredMessage{}, fmt.Errorf("%w: %w", ErrHandshake, msg.Error.Err())
			}
			return api.RegisteredMessage{}, ErrHandshake
		default:
			slog.Debug("ignoring message before registration", "event", msg.Event)
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.incoming)
	defer c.socket.Close()

	for {
		msg, err := c.socket.Read()
		if err != nil {
			if !c.socket.Closed() {
				slog.Warn("hub connection lost", "error", err)
				c.setErr(fmt.Errorf("%w: %v", domain.ErrConnectionLost, err))
			}
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.socket.Done():
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) Identity() domain.Identity {
	return c.identity
}

// Registered is the hub's registration reply: ICE servers and ping interval.
func (c *Client) Registered() api.RegisteredMessage {
	return c.registered
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan api.Message {
	return c.incoming
}

func (c *Client) Send(msg api.Message) error {
	msg.FromID = c.identity.ID
	return c.socket.Send(msg)
}

func (c *Client) Close() error {
	return c.socket.Close()
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is set when the connection was lost rather than closed locally.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
