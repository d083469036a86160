package pcsc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Card is a connected card handle together with its negotiated wire protocol.
type Card struct {
	Handle   uint32 `json:"handle"`
	Protocol uint32 `json:"protocol"`
}

// CardStatus is the decoded result of a Status query.
type CardStatus struct {
	Reader   string
	State    uint32
	Protocol uint32
	ATR      []byte
}

// ReaderState is one watched reader in a GetStatusChange call. Binary fields
// travel base64-encoded on the wire (encoding/json's []byte default).
type ReaderState struct {
	Reader       string `json:"reader"`
	CurrentState uint32 `json:"currentState"`
	EventState   uint32 `json:"eventState"`
	ATR          []byte `json:"atr,omitempty"`
}

// caller is the slice of Channel the client needs. Split out so tests can
// script broker conversations without a live socket.
type caller interface {
	Call(ctx context.Context, command string, args ...any) ([]json.RawMessage, error)
	Connected() bool
	Close() error
}

// Client is a typed session over the broker's command set. It owns one
// message channel and at most one broker context handle. Raw result tuples
// never leave this package: slot 0 is a status code (0 = success, anything
// else becomes a *ProtocolError) and the remaining slots are decoded into
// typed results.
type Client struct {
	ch     caller
	logger *log.Logger

	mu        sync.Mutex
	hasCtx    bool
	ctxHandle uint32
}

// NewClient wraps an open channel in a session. The caller is responsible for
// establishing the context before issuing reader or card operations.
func NewClient(ch *Channel) *Client {
	return newClient(ch)
}

func newClient(ch caller) *Client {
	return &Client{
		ch:     ch,
		logger: log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// call issues one command and decodes the leading status code. On success it
// returns the payload slots (everything after the status code).
func (c *Client) call(ctx context.Context, command string, args ...any) ([]json.RawMessage, error) {
	tuple, err := c.ch.Call(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	if len(tuple) == 0 {
		return nil, &TransportError{Op: command, Err: fmt.Errorf("empty result tuple")}
	}
	var code uint32
	if err := json.Unmarshal(tuple[0], &code); err != nil {
		return nil, &TransportError{Op: command, Err: fmt.Errorf("malformed status code: %w", err)}
	}
	if code != CodeSuccess {
		return nil, &ProtocolError{Op: command, Code: code}
	}
	return tuple[1:], nil
}

func decodeSlot(command string, tuple []json.RawMessage, idx int, v any) error {
	if idx >= len(tuple) {
		return &TransportError{Op: command, Err: fmt.Errorf("result tuple too short (want slot %d, have %d)", idx, len(tuple))}
	}
	if err := json.Unmarshal(tuple[idx], v); err != nil {
		return &TransportError{Op: command, Err: fmt.Errorf("malformed result slot %d: %w", idx, err)}
	}
	return nil
}

// EstablishContext idempotently acquires the broker context handle. It must
// precede all reader and card operations.
func (c *Client) EstablishContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasCtx {
		return nil
	}
	payload, err := c.call(ctx, CmdEstablishContext)
	if err != nil {
		return err
	}
	var handle uint32
	if err := decodeSlot(CmdEstablishContext, payload, 0, &handle); err != nil {
		return err
	}
	c.ctxHandle = handle
	c.hasCtx = true
	return nil
}

func (c *Client) contextHandle() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctxHandle
}

// ListReaders returns the attached reader names in broker order. An empty
// list is a normal result.
func (c *Client) ListReaders(ctx context.Context) ([]string, error) {
	payload, err := c.call(ctx, CmdListReaders, c.contextHandle())
	if err != nil {
		if code, ok := protocolCode(err); ok && code == CodeNoReaders {
			return nil, nil
		}
		return nil, err
	}
	var readers []string
	if err := decodeSlot(CmdListReaders, payload, 0, &readers); err != nil {
		return nil, err
	}
	return readers, nil
}

// Connect requests shared-mode access to the named reader with either
// supported wire protocol. A no-card failure is expected against an empty
// reader; callers classify it with IsNoCard.
func (c *Client) Connect(ctx context.Context, reader string) (Card, error) {
	payload, err := c.call(ctx, CmdConnect, c.contextHandle(), reader, ShareShared, ProtocolAny)
	if err != nil {
		return Card{}, err
	}
	var card Card
	if err := decodeSlot(CmdConnect, payload, 0, &card.Handle); err != nil {
		return Card{}, err
	}
	if err := decodeSlot(CmdConnect, payload, 1, &card.Protocol); err != nil {
		return Card{}, err
	}
	return card, nil
}

// Transmit sends an APDU and returns the raw response including the trailing
// 2-byte status word.
func (c *Client) Transmit(ctx context.Context, card Card, apdu []byte) ([]byte, error) {
	payload, err := c.call(ctx, CmdTransmit, card.Handle, card.Protocol, apdu)
	if err != nil {
		return nil, err
	}
	var resp []byte
	if err := decodeSlot(CmdTransmit, payload, 0, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status queries the reader name, state bitmask, active protocol and raw ATR
// of a connected card.
func (c *Client) Status(ctx context.Context, card Card) (CardStatus, error) {
	payload, err := c.call(ctx, CmdStatus, card.Handle)
	if err != nil {
		return CardStatus{}, err
	}
	var st CardStatus
	if err := decodeSlot(CmdStatus, payload, 0, &st.Reader); err != nil {
		return CardStatus{}, err
	}
	if err := decodeSlot(CmdStatus, payload, 1, &st.State); err != nil {
		return CardStatus{}, err
	}
	if err := decodeSlot(CmdStatus, payload, 2, &st.Protocol); err != nil {
		return CardStatus{}, err
	}
	if err := decodeSlot(CmdStatus, payload, 3, &st.ATR); err != nil {
		return CardStatus{}, err
	}
	return st, nil
}

// Disconnect releases a card handle. Safe to call on an already-released
// handle: broker-side failures are swallowed, only transport failures
// propagate.
func (c *Client) Disconnect(ctx context.Context, card Card) error {
	_, err := c.call(ctx, CmdDisconnect, card.Handle, LeaveCard)
	if err != nil {
		if IsTransport(err) {
			return err
		}
		c.logger.Printf("disconnect on released handle ignored: %v", err)
	}
	return nil
}

// GetStatusChange suspends for up to timeout waiting for a state-bitmask
// change on any watched reader. A broker timeout surfaces as a *ProtocolError
// matched by IsTimeout; it is non-fatal and the wait can be re-issued
// indefinitely.
func (c *Client) GetStatusChange(ctx context.Context, timeout time.Duration, states []ReaderState) ([]ReaderState, error) {
	payload, err := c.call(ctx, CmdGetStatusChange, c.contextHandle(), uint64(timeout/time.Millisecond), states)
	if err != nil {
		return nil, err
	}
	var updated []ReaderState
	if err := decodeSlot(CmdGetStatusChange, payload, 0, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Cancel unblocks an in-flight GetStatusChange from another goroutine. It is
// only issued as part of a restart or shutdown sequence.
func (c *Client) Cancel(ctx context.Context) error {
	_, err := c.call(ctx, CmdCancel, c.contextHandle())
	return err
}

// Release gives the broker context back. Safe to call when no context is
// held; broker-side failures are swallowed.
func (c *Client) Release(ctx context.Context) error {
	c.mu.Lock()
	hasCtx := c.hasCtx
	handle := c.ctxHandle
	c.hasCtx = false
	c.ctxHandle = 0
	c.mu.Unlock()

	if !hasCtx {
		return nil
	}
	_, err := c.call(ctx, CmdReleaseContext, handle)
	if err != nil {
		if IsTransport(err) {
			return err
		}
		c.logger.Printf("release on dead context ignored: %v", err)
	}
	return nil
}

// ReadUID composes Transmit with the fixed read-identifier pseudo-APDU. The
// identifier comes back colon-separated uppercase hex. A card that rejects
// the command (any status word other than 0x9000, or a short response) yields
// ("", nil): not every card exposes an identifier this way, and that is not
// an error.
func (c *Client) ReadUID(ctx context.Context, card Card) (string, error) {
	resp, err := c.Transmit(ctx, card, getUIDAPDU)
	if err != nil {
		return "", err
	}
	if len(resp) < 2 {
		return "", nil
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	if sw != swSuccess {
		return "", nil
	}
	return FormatUID(resp[:len(resp)-2]), nil
}

// FormatUID renders identifier bytes as colon-separated uppercase hex, e.g.
// "04:A1:B2:C3".
func FormatUID(uid []byte) string {
	if len(uid) == 0 {
		return ""
	}
	parts := make([]string, len(uid))
	for i, b := range uid {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Connected reports whether the underlying channel is still usable.
func (c *Client) Connected() bool {
	return c.ch.Connected()
}

// Close releases the broker context (best effort) and closes the channel.
func (c *Client) Close() error {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Release(releaseCtx); err != nil {
		c.logger.Printf("context release failed during close: %v", err)
	}
	return c.ch.Close()
}
