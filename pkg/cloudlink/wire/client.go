package wire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudmux/bridge/internal/logger"
)

var clients = sync.Map{}

// Client is a long-running wrapper of connections to the same WebSocket
// server with the same credentials. It usually manages a single [Conn],
// except when it gets disconnected, or is about to be, in which case the
// client automatically opens another [Conn] and switches to it seamlessly,
// to prevent or at least minimize downtime during reconnections.
type Client struct {
	logger *slog.Logger
	url    urlFunc
	opts   []DialOpt

	conns   [2]*Conn
	inMsgs  <-chan Message
	outMsgs chan Message

	refresh *time.Timer

	// maxRetries bounds how many consecutive reconnection attempts
	// replaceConn makes before giving up. Zero (the default, used by
	// NewOrCachedClient's callers outside this module) means unlimited.
	// CloudLink sets this explicitly, per its configurable reconnect bound.
	maxRetries int
	// reconnectErr receives the terminal error once maxRetries is
	// exhausted; IncomingMessages' channel is closed at the same time.
	reconnectErr chan error
}

type urlFunc func(ctx context.Context) (string, error)

func NewOrCachedClient(ctx context.Context, url urlFunc, id string, opts ...DialOpt) (*Client, error) {
	hashedID := hash(id)
	if client, ok := clients.Load(hashedID); ok {
		return client.(*Client), nil //nolint:errcheck
	}

	c, err := newClient(ctx, url, opts...)
	if err != nil {
		return nil, err
	}

	actual, loaded := clients.LoadOrStore(hashedID, c)
	if loaded { // Stored by a different goroutine since clients.Load() above.
		deleteClient(c)
	} else { // Newly-stored by this goroutine, so activate its message relay.
		go c.relayMessages(ctx)
	}

	return actual.(*Client), nil //nolint:errcheck
}

// hash generates a stable-but-irreversible SHA-256 hash of a [Client] ID.
func hash(id string) string {
	h := sha256.New()
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

func newClient(ctx context.Context, f urlFunc, opts ...DialOpt) (*Client, error) {
	conn, err := newConn(ctx, f, opts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		logger:       logger.FromContext(ctx),
		url:          f,
		opts:         opts,
		conns:        [2]*Conn{conn},
		inMsgs:       conn.IncomingMessages(),
		outMsgs:      make(chan Message),
		reconnectErr: make(chan error, 1),
	}, nil
}

// SetMaxReconnectTries bounds how many consecutive times replaceConn will
// retry dialing a fresh connection after a drop, before giving up. Must be
// called before the client's first disconnection to take effect.
func (c *Client) SetMaxReconnectTries(n int) {
	c.maxRetries = n
}

// ReconnectFailed returns a channel that receives exactly one error if
// reconnection attempts are exhausted (see SetMaxReconnectTries). The
// client's IncomingMessages channel is closed at the same time.
func (c *Client) ReconnectFailed() <-chan error {
	return c.reconnectErr
}

func newConn(ctx context.Context, f urlFunc, opts ...DialOpt) (*Conn, error) {
	url, err := f(ctx)
	if err != nil {
		return nil, err
	}

	return Dial(ctx, url, opts...)
}

func (c *Client) newConn(ctx context.Context, f urlFunc, opts ...DialOpt) (*Conn, error) {
	return newConn(logger.InContext(ctx, c.logger), f, opts...)
}

// deleteClient deletes a newly-created [Client] which is not needed anymore,
// because a different one was already activated with the same ID.
func deleteClient(c *Client) {
	c.conns[0].Close(StatusGoingAway)

	c.logger = nil
	c.url = nil
	c.opts = nil

	c.conns = [2]*Conn{}
	c.inMsgs = nil
	c.outMsgs = nil
}

// relayMessages runs as a [Client] goroutine, to route data [Message]s
// from the client's underlying [Conn] to the client's subscribers.
func (c *Client) relayMessages(ctx context.Context) {
	for {
		if msg, ok := <-c.inMsgs; ok {
			c.outMsgs <- msg
			continue
		}

		if !c.replaceConn(ctx) {
			close(c.outMsgs)
			return
		}
	}
}

// replaceConn either creates a new [Conn] (if the existing one is
// closing/closed), or switches seamlessly to a secondary one which
// was created by the timer-based goroutine in [RefreshConnectionIn].
// It returns false if maxRetries was exhausted without reconnecting.
func (c *Client) replaceConn(ctx context.Context) bool {
	defer func() {
		if c.conns[0] != nil {
			c.inMsgs = c.conns[0].IncomingMessages()
		}
	}()

	// Switch to a fresh secondary connection.
	if c.conns[1] != nil {
		c.conns[0] = c.conns[1]
		c.conns[1] = nil
		return true
	}

	// Create a new connection, retrying up to maxRetries times (or
	// endlessly, if maxRetries is zero).
	var lastErr error
	i := 0
	for c.maxRetries == 0 || i < c.maxRetries {
		conn, err := c.newConn(ctx, c.url, c.opts...)
		if err == nil {
			c.conns[0] = conn
			return true
		}

		lastErr = err
		c.logger.Error("failed to replace WebSocket connection", slog.Any("error", err), slog.Int("retry", i))
		i++
	}

	c.conns[0] = nil
	c.reconnectErr <- fmt.Errorf("exhausted %d reconnection attempts: %w", c.maxRetries, lastErr)
	return false
}

// IncomingMessages returns the client's channel that publishes
// data [Message]s as they are received from the server.
//
// [Message]: https://pkg.go.dev/github.com/cloudmux/bridge/pkg/cloudlink/wire#Message
func (c *Client) IncomingMessages() <-chan Message {
	return c.outMsgs
}

// RefreshConnectionIn instructs the client to replace its underlying [Conn]
// seamlessly after the given duration of time. This prevents unnecessary
// downtime during normal reconnections, which is useful in connections
// where the disconnection time is known or coordinated in advance.
func (c *Client) RefreshConnectionIn(ctx context.Context, d time.Duration) {
	m := "starting timer to refresh WebSocket connection"
	if c.refresh != nil {
		c.refresh.Stop()
		m = "re" + m
	}
	c.logger.Debug(m)

	c.refresh = time.AfterFunc(d, func() {
		c.logger.Debug("refreshing WebSocket connection")
		c.refresh = nil

		conn, err := c.newConn(ctx, c.url, c.opts...)
		if err != nil {
			c.logger.Error("failed to refresh WebSocket connection", slog.Any("error", err))
			return
		}

		c.conns[1] = conn
		c.conns[0].Close(StatusGoingAway)
	})
}

// Close closes the client's active connection with a normal-closure status.
// It does not remove the client from the package-level cache; a closed
// client is simply done, the way a cascading CloudSocket.Stop treats its
// CloudLink.
func (c *Client) Close() {
	if c.conns[0] != nil {
		c.conns[0].Close(StatusNormalClosure)
	}
}

// SendJSONLine marshals v and sends it as a single newline-terminated JSON
// text message, the framing the cloud-variable protocol expects for every
// packet (handshake, set, and otherwise).
func (c *Client) SendJSONLine(v any) error {
	if c.conns[0] == nil {
		return fmt.Errorf("wire: client has no active connection")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	return <-c.conns[0].SendTextMessage(b)
}
