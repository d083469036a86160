package monitor

import (
	"context"
	"time"

	"github.com/venuekit/cardbridge/pcsc"
)

// Session is the protocol surface the engine drives. *pcsc.Client implements
// it; tests substitute a scripted fake.
type Session interface {
	// EstablishContext idempotently acquires the broker context.
	EstablishContext(ctx context.Context) error

	// ListReaders returns attached reader names, possibly empty.
	ListReaders(ctx context.Context) ([]string, error)

	// Connect requests shared access to a reader. A no-card failure is the
	// normal outcome against an empty reader.
	Connect(ctx context.Context, reader string) (pcsc.Card, error)

	// Status queries reader name, state, protocol and raw ATR of a card.
	Status(ctx context.Context, card pcsc.Card) (pcsc.CardStatus, error)

	// ReadUID fetches the card identifier; ("", nil) when the card has none.
	ReadUID(ctx context.Context, card pcsc.Card) (string, error)

	// Disconnect releases a card handle; safe on already-released handles.
	Disconnect(ctx context.Context, card pcsc.Card) error

	// GetStatusChange suspends up to timeout for a reader state change.
	GetStatusChange(ctx context.Context, timeout time.Duration, states []pcsc.ReaderState) ([]pcsc.ReaderState, error)

	// Cancel unblocks an in-flight GetStatusChange from another goroutine.
	Cancel(ctx context.Context) error

	// Connected reports whether the underlying channel is still usable.
	Connected() bool

	// Close releases the broker context and the channel.
	Close() error
}

// SessionFactory builds a fresh session. The engine calls it on every entry
// into the Connecting state; the previous session is always fully disposed
// first, so two live sessions never coexist.
type SessionFactory func(ctx context.Context) (Session, error)
