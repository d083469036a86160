package monitor

import (
	"context"
	"fmt"

	"github.com/venuekit/cardbridge/pcsc"
)

// runEvent is the blocking-wait strategy: discover a reader, then loop on
// GetStatusChange. A timeout simply re-issues the wait; a cancellation means
// a restart is in progress; anything else is a fault.
func (e *Engine) runEvent(ctx context.Context, sess Session) error {
	reader, err := e.awaitReader(ctx, sess)
	if err != nil {
		return err
	}
	e.setWatching(reader)
	e.events.Info("watching reader", map[string]any{"reader": reader})

	current := pcsc.StateUnaware
	for {
		if e.restartFlag.Load() || e.stopped() {
			return errRestart
		}
		current, err = e.watchOnce(ctx, sess, reader, current)
		if err != nil {
			return err
		}
	}
}

// awaitReader enumerates readers until one appears, idling between attempts.
// Only the first reader is used; multi-reader fan-out is a deliberate
// simplification.
func (e *Engine) awaitReader(ctx context.Context, sess Session) (string, error) {
	for {
		readers, err := sess.ListReaders(ctx)
		if err != nil {
			return "", err
		}
		if len(readers) > 0 {
			return readers[0], nil
		}
		e.setIdle("no readers attached")
		if !e.pause(e.config().ReaderRetryInterval) {
			return "", errRestart
		}
	}
}

// watchOnce issues a single bounded wait and folds the outcome into the
// engine state. It returns the reader's updated current-state bitmask for
// the next wait.
func (e *Engine) watchOnce(ctx context.Context, sess Session, reader string, current uint32) (uint32, error) {
	states, err := sess.GetStatusChange(ctx, e.config().WaitTimeout, []pcsc.ReaderState{
		{Reader: reader, CurrentState: current},
	})
	if pcsc.IsTimeout(err) {
		// Nothing changed within the bounded wait; re-issue it.
		return current, nil
	}
	if err != nil {
		return current, err
	}
	if len(states) == 0 {
		return current, fmt.Errorf("%s: empty reader state result", pcsc.CmdGetStatusChange)
	}

	event := states[0].EventState
	next := event &^ pcsc.StateChanged
	present := event&pcsc.StatePresent != 0
	wasPresent := e.State() == StateCardPresent

	switch {
	case present && !wasPresent:
		card, err := sess.Connect(ctx, reader)
		if err != nil {
			if pcsc.IsNoCard(err) || pcsc.IsRemovedCard(err) {
				e.events.Warn("card vanished before connect", map[string]any{"reader": reader})
				return next, nil
			}
			return next, err
		}
		e.setCard(&card)
		e.readCard(ctx, sess, card, reader)

	case !present && wasPresent:
		if c := e.heldCard(); c != nil {
			_ = sess.Disconnect(ctx, *c)
			e.setCard(nil)
		}
		e.setWatching(reader)
		e.events.Info("card removed", map[string]any{"reader": reader})
	}
	return next, nil
}
