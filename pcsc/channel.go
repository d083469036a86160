// Package pcsc implements the client side of the remote resource-manager
// broker: a long-lived duplex message channel with request/response
// correlation, and a typed session over the broker's command set.
package pcsc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const dialHandshakeTimeout = 10 * time.Second

// request is the outgoing wire envelope.
type request struct {
	RequestID uint64 `json:"requestId"`
	Command   string `json:"command"`
	Arguments []any  `json:"arguments"`
}

// response is the incoming wire envelope. Exactly one of ResultTuple or
// TransportError is set.
type response struct {
	RequestID      uint64            `json:"requestId"`
	ResultTuple    []json.RawMessage `json:"resultTuple"`
	TransportError *string           `json:"transportError,omitempty"`
}

type callOutcome struct {
	tuple []json.RawMessage
	err   error
}

// Channel is a duplex message channel to the broker. Outgoing calls are
// correlated to incoming responses by a monotonically increasing request id.
// The channel's lifecycle is independent of any individual call: a disconnect
// resolves every pending call with ErrChannelClosed and no call is ever left
// unresolved.
type Channel struct {
	conn   *websocket.Conn
	logger *log.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan callOutcome
	closed  bool
}

// Dial opens a channel to the broker at brokerURL. peerID is the fixed peer
// identifier of the broker endpoint, carried as a query parameter so the
// broker can reject unknown peers.
func Dial(ctx context.Context, brokerURL, peerID string) (*Channel, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("peer", peerID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := &Channel{
		conn:    conn,
		logger:  log.New(os.Stderr, "[channel] ", log.LstdFlags),
		pending: make(map[uint64]chan callOutcome),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one command to the broker and suspends until the matching
// response arrives, ctx is done, or the channel disconnects. The returned
// tuple is the raw resultTuple; decoding it is the session's job.
func (c *Channel) Call(ctx context.Context, command string, args ...any) ([]json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &TransportError{Op: command, Err: ErrChannelClosed}
	}
	c.nextID++
	id := c.nextID
	out := make(chan callOutcome, 1)
	c.pending[id] = out
	err := c.conn.WriteJSON(request{RequestID: id, Command: command, Arguments: args})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &TransportError{Op: command, Err: err}
	}
	c.mu.Unlock()

	select {
	case res := <-out:
		return res.tuple, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &TransportError{Op: command, Err: ctx.Err()}
	}
}

// readLoop matches responses to pending calls. Responses with an unknown
// request id are discarded.
func (c *Channel) readLoop() {
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		out, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Printf("discarding unmatched response (requestId=%d)", resp.RequestID)
			continue
		}

		if resp.TransportError != nil {
			out <- callOutcome{err: &TransportError{Op: "call", Err: errors.New(*resp.TransportError)}}
			continue
		}
		out <- callOutcome{tuple: resp.ResultTuple}
	}
}

// fail marks the channel closed and resolves every pending call with a
// disconnect error.
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if cause != nil && !errors.Is(cause, ErrChannelClosed) {
			c.logger.Printf("channel disconnected: %v", cause)
		}
	}
	for id, out := range c.pending {
		out <- callOutcome{err: &TransportError{Op: "channel", Err: ErrChannelClosed}}
		delete(c.pending, id)
	}
}

// Connected reports whether the channel is still usable.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close tears the channel down. All in-flight calls resolve with
// ErrChannelClosed.
func (c *Channel) Close() error {
	c.fail(nil)
	return c.conn.Close()
}
