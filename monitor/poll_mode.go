package monitor

import (
	"context"

	"github.com/venuekit/cardbridge/pcsc"
)

// runPoll is the polling strategy: one cycle per cadence interval. The
// default variant holds the card handle across cycles and checks it with a
// status query; with RetainHandle off, every cycle reconnects from scratch
// (simpler state, more reader-LED flicker).
func (e *Engine) runPoll(ctx context.Context, sess Session) error {
	for {
		if err := e.pollCycle(ctx, sess); err != nil {
			return err
		}
		if !e.pause(e.config().PollInterval) {
			return errRestart
		}
	}
}

// pollCycle performs one polling step.
func (e *Engine) pollCycle(ctx context.Context, sess Session) error {
	if c := e.heldCard(); c != nil {
		return e.checkHeldCard(ctx, sess, *c)
	}

	readers, err := sess.ListReaders(ctx)
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		e.setIdle("no readers attached")
		return nil
	}
	reader := readers[0] // single-reader simplification, as in event mode

	card, err := sess.Connect(ctx, reader)
	if err != nil {
		if pcsc.IsTransport(err) || pcsc.IsNoService(err) {
			return err
		}
		// The normal no-card outcome. In the reconnect-every-cycle variant
		// this is also how removal is observed.
		if !pcsc.IsNoCard(err) && !pcsc.IsRemovedCard(err) {
			e.events.Warn("connect failed", map[string]any{"reader": reader, "error": err.Error()})
		}
		if e.State() == StateCardPresent {
			e.setIdle("card removed")
			e.events.Info("card removed", map[string]any{"reader": reader})
		} else {
			e.setIdle("waiting for card")
		}
		return nil
	}

	e.readCard(ctx, sess, card, reader)
	if e.config().RetainHandle {
		e.setCard(&card)
	} else {
		_ = sess.Disconnect(ctx, card)
	}
	return nil
}

// checkHeldCard re-issues a status query on the retained handle. Success
// means the card is still seated; failure means it left, so the handle is
// disconnected exactly once and the engine returns to idle.
func (e *Engine) checkHeldCard(ctx context.Context, sess Session, card pcsc.Card) error {
	_, err := sess.Status(ctx, card)
	if err == nil {
		return nil
	}
	if pcsc.IsTransport(err) || pcsc.IsNoService(err) {
		return err
	}

	reader := e.Snapshot().Reader
	_ = sess.Disconnect(ctx, card)
	e.setCard(nil)
	e.setIdle("card removed")
	e.events.Info("card removed", map[string]any{"reader": reader})
	return nil
}
