package pcsc

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is the terminal failure delivered to every call that was
// pending when the message channel disconnected or was closed.
var ErrChannelClosed = errors.New("message channel closed")

// TransportError indicates the message channel itself failed. It is fatal to
// the session that owns the channel.
type TransportError struct {
	Op  string // command in flight, or "channel" for channel-level failures
	Err error
}

func (e *TransportError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a broker-reported failure for a specific command. Most are
// expected and recoverable (no card seated, wait timed out); helpers below
// classify the interesting ones.
type ProtocolError struct {
	Op   string
	Code uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: broker error 0x%08X", e.Op, e.Code)
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsTransport reports whether err is a channel-level failure, which is fatal
// to the current session.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func protocolCode(err error) (uint32, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return 0, false
}

// IsTimeout reports whether err is the distinguished wait-timeout outcome of
// GetStatusChange. A timeout is not a fault; the wait is simply re-issued.
func IsTimeout(err error) bool {
	code, ok := protocolCode(err)
	return ok && code == CodeTimeout
}

// IsCancelled reports whether err is the result of Cancel unblocking an
// in-flight wait.
func IsCancelled(err error) bool {
	code, ok := protocolCode(err)
	return ok && code == CodeCancelled
}

// IsNoCard reports whether err means no card is seated in the reader. This is
// the normal outcome of a connect attempt against an empty reader.
func IsNoCard(err error) bool {
	code, ok := protocolCode(err)
	return ok && (code == CodeNoSmartcard || code == CodeUnpoweredCard || code == CodeUnsupportedCard)
}

// IsRemovedCard reports whether err means the card left the reader while a
// handle was held.
func IsRemovedCard(err error) bool {
	code, ok := protocolCode(err)
	return ok && (code == CodeRemovedCard || code == CodeResetCard)
}

// IsNoService reports whether err means the broker lost its own resource
// manager. Treated like a transport fault by callers.
func IsNoService(err error) bool {
	code, ok := protocolCode(err)
	return ok && (code == CodeNoService || code == CodeReaderUnavailable)
}
