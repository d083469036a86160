package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/venuekit/cardbridge/atr"
	"github.com/venuekit/cardbridge/eventlog"
	"github.com/venuekit/cardbridge/pcsc"
)

// fakeSession scripts a broker session. Fields left nil get a sensible
// default behaviour; counters record side effects.
type fakeSession struct {
	mu sync.Mutex

	readers []string
	listErr error

	connect func() (pcsc.Card, error)
	status  func(pcsc.Card) (pcsc.CardStatus, error)
	uid     func(pcsc.Card) (string, error)
	wait    func([]pcsc.ReaderState) ([]pcsc.ReaderState, error)

	establishes int
	disconnects int
	cancels     int
	closed      bool
	live        bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{readers: []string{"ACR122U PICC 00 00"}, live: true}
}

func (f *fakeSession) EstablishContext(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.establishes++
	return nil
}

func (f *fakeSession) ListReaders(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readers, f.listErr
}

func (f *fakeSession) Connect(_ context.Context, _ string) (pcsc.Card, error) {
	if f.connect != nil {
		return f.connect()
	}
	return pcsc.Card{}, &pcsc.ProtocolError{Op: pcsc.CmdConnect, Code: pcsc.CodeNoSmartcard}
}

func (f *fakeSession) Status(_ context.Context, card pcsc.Card) (pcsc.CardStatus, error) {
	if f.status != nil {
		return f.status(card)
	}
	return pcsc.CardStatus{Reader: f.readers[0], State: pcsc.StatePresent, ATR: []byte{0x3B, 0x84, 0x80, 0x01, 0x11, 0x22, 0x33, 0x44, 0x55}}, nil
}

func (f *fakeSession) ReadUID(_ context.Context, card pcsc.Card) (string, error) {
	if f.uid != nil {
		return f.uid(card)
	}
	return "04:A1:B2:C3", nil
}

func (f *fakeSession) Disconnect(context.Context, pcsc.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeSession) GetStatusChange(_ context.Context, _ time.Duration, states []pcsc.ReaderState) ([]pcsc.ReaderState, error) {
	if f.wait != nil {
		return f.wait(states)
	}
	return nil, &pcsc.ProtocolError{Op: pcsc.CmdGetStatusChange, Code: pcsc.CodeTimeout}
}

func (f *fakeSession) Cancel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.live = false
	return nil
}

func (f *fakeSession) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// notifyRecorder collects card events from the engine.
type notifyRecorder struct {
	mu     sync.Mutex
	events []CardEvent
}

func (n *notifyRecorder) record(ev CardEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *notifyRecorder) all() []CardEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]CardEvent, len(n.events))
	copy(out, n.events)
	return out
}

func newTestEngine(t *testing.T, cfg Config, factory SessionFactory) (*Engine, *notifyRecorder, *eventlog.Log) {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	}
	rec := &notifyRecorder{}
	events := eventlog.New()
	e := NewEngine(cfg, factory, rec.record, events)
	return e, rec, events
}

func logMessages(l *eventlog.Log) []string {
	var out []string
	for _, entry := range l.Entries() {
		out = append(out, entry.Message)
	}
	return out
}

func countMessage(l *eventlog.Log, msg string) int {
	n := 0
	for _, entry := range l.Entries() {
		if entry.Message == msg {
			n++
		}
	}
	return n
}

func TestPollCycle_NoReadersGoesIdle(t *testing.T) {
	sess := newFakeSession()
	sess.readers = nil
	e, _, _ := newTestEngine(t, Config{Mode: ModePoll}, nil)

	if err := e.pollCycle(context.Background(), sess); err != nil {
		t.Fatalf("pollCycle() failed: %v", err)
	}
	snap := e.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle state, got %s", snap.State)
	}
	if snap.Message != "no readers attached" {
		t.Errorf("Unexpected message '%s'", snap.Message)
	}
}

func TestPollCycle_DetectsAndRetainsCard(t *testing.T) {
	sess := newFakeSession()
	sess.connect = func() (pcsc.Card, error) { return pcsc.Card{Handle: 7, Protocol: pcsc.ProtocolT1}, nil }
	e, rec, _ := newTestEngine(t, Config{Mode: ModePoll, RetainHandle: true}, nil)

	if err := e.pollCycle(context.Background(), sess); err != nil {
		t.Fatalf("pollCycle() failed: %v", err)
	}

	snap := e.Snapshot()
	if snap.State != StateCardPresent {
		t.Fatalf("Expected card_present, got %s", snap.State)
	}
	if snap.UID != "04:A1:B2:C3" {
		t.Errorf("Expected uid in snapshot, got '%s'", snap.UID)
	}
	if snap.ATR == "" || snap.Card.CardType == "" {
		t.Errorf("Expected decoded ATR in snapshot, got atr='%s' card=%+v", snap.ATR, snap.Card)
	}
	if e.heldCard() == nil {
		t.Error("Expected the handle to be retained across cycles")
	}
	if sess.disconnectCount() != 0 {
		t.Errorf("Retained handle must not be disconnected, got %d disconnects", sess.disconnectCount())
	}
	if events := rec.all(); len(events) != 1 || events[0].UID != "04:A1:B2:C3" {
		t.Errorf("Expected exactly one notification, got %+v", events)
	}
}

func TestPollCycle_ReconnectVariantNotifiesOnce(t *testing.T) {
	sess := newFakeSession()
	sess.connect = func() (pcsc.Card, error) { return pcsc.Card{Handle: 7}, nil }
	e, rec, _ := newTestEngine(t, Config{Mode: ModePoll, RetainHandle: false}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := e.pollCycle(ctx, sess); err != nil {
			t.Fatalf("pollCycle() %d failed: %v", i, err)
		}
	}

	if e.heldCard() != nil {
		t.Error("Reconnect variant must not retain the handle")
	}
	if sess.disconnectCount() != 3 {
		t.Errorf("Expected a disconnect per cycle, got %d", sess.disconnectCount())
	}
	if events := rec.all(); len(events) != 1 {
		t.Errorf("Same seated card must be announced once, got %d notifications", len(events))
	}
}

func TestPollCycle_RemovalEntersIdleExactlyOnce(t *testing.T) {
	sess := newFakeSession()
	seated := true
	sess.connect = func() (pcsc.Card, error) {
		if seated {
			return pcsc.Card{Handle: 7}, nil
		}
		return pcsc.Card{}, &pcsc.ProtocolError{Op: pcsc.CmdConnect, Code: pcsc.CodeNoSmartcard}
	}
	sess.status = func(pcsc.Card) (pcsc.CardStatus, error) {
		if seated {
			return pcsc.CardStatus{State: pcsc.StatePresent}, nil
		}
		return pcsc.CardStatus{}, &pcsc.ProtocolError{Op: pcsc.CmdStatus, Code: pcsc.CodeRemovedCard}
	}
	e, rec, events := newTestEngine(t, Config{Mode: ModePoll, RetainHandle: true}, nil)

	ctx := context.Background()
	if err := e.pollCycle(ctx, sess); err != nil {
		t.Fatalf("seated cycle failed: %v", err)
	}
	if e.State() != StateCardPresent {
		t.Fatalf("Expected card_present before removal, got %s", e.State())
	}

	seated = false
	for i := 0; i < 3; i++ {
		if err := e.pollCycle(ctx, sess); err != nil {
			t.Fatalf("removal cycle %d failed: %v", i, err)
		}
	}

	snap := e.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("Expected idle after removal, got %s", snap.State)
	}
	if snap.UID != "" || snap.ATR != "" || snap.Card.CardName != "" {
		t.Errorf("Card data must be cleared on removal, got %+v", snap)
	}
	if e.heldCard() != nil {
		t.Error("Expected held handle to be released on removal")
	}
	if sess.disconnectCount() != 1 {
		t.Errorf("Removal must disconnect exactly once, got %d", sess.disconnectCount())
	}
	if n := countMessage(events, "card removed"); n != 1 {
		t.Errorf("Expected one 'card removed' entry, got %d (%v)", n, logMessages(events))
	}

	// Re-seating is a fresh detection.
	seated = true
	if err := e.pollCycle(ctx, sess); err != nil {
		t.Fatalf("re-seat cycle failed: %v", err)
	}
	if e.State() != StateCardPresent {
		t.Errorf("Expected card_present after re-seat, got %s", e.State())
	}
	if len(rec.all()) != 2 {
		t.Errorf("Expected a second notification after re-seat, got %d", len(rec.all()))
	}
}

func TestPollCycle_TransportErrorIsFatal(t *testing.T) {
	sess := newFakeSession()
	sess.connect = func() (pcsc.Card, error) {
		return pcsc.Card{}, &pcsc.TransportError{Op: pcsc.CmdConnect, Err: pcsc.ErrChannelClosed}
	}
	e, _, _ := newTestEngine(t, Config{Mode: ModePoll}, nil)

	err := e.pollCycle(context.Background(), sess)
	if !pcsc.IsTransport(err) {
		t.Errorf("Expected transport error to abort the strategy, got %v", err)
	}
}

func TestCheckHeldCard_TransportErrorPropagates(t *testing.T) {
	sess := newFakeSession()
	sess.status = func(pcsc.Card) (pcsc.CardStatus, error) {
		return pcsc.CardStatus{}, &pcsc.TransportError{Op: pcsc.CmdStatus, Err: pcsc.ErrChannelClosed}
	}
	e, _, _ := newTestEngine(t, Config{Mode: ModePoll, RetainHandle: true}, nil)
	e.setCard(&pcsc.Card{Handle: 7})

	err := e.pollCycle(context.Background(), sess)
	if !pcsc.IsTransport(err) {
		t.Errorf("Expected transport error to propagate, got %v", err)
	}
	if sess.disconnectCount() != 0 {
		t.Error("Transport failure must not attempt a disconnect")
	}
}

func TestWatchOnce_TimeoutReissuesUnchanged(t *testing.T) {
	sess := newFakeSession() // default wait returns the timeout code
	e, rec, _ := newTestEngine(t, Config{Mode: ModeEvent}, nil)
	e.setWatching(sess.readers[0])

	var changes int
	e.OnChange(func(Snapshot) { changes++ })

	next, err := e.watchOnce(context.Background(), sess, sess.readers[0], pcsc.StateEmpty)
	if err != nil {
		t.Fatalf("watchOnce() failed: %v", err)
	}
	if next != pcsc.StateEmpty {
		t.Errorf("Timeout must leave the current mask unchanged, got %#x", next)
	}
	if e.State() != StateWatching {
		t.Errorf("Timeout must not change state, got %s", e.State())
	}
	if changes != 0 {
		t.Errorf("Timeout must not publish a snapshot, got %d changes", changes)
	}
	if len(rec.all()) != 0 {
		t.Error("Timeout must not notify")
	}
}

func TestWatchOnce_InsertionDetectsCard(t *testing.T) {
	sess := newFakeSession()
	sess.connect = func() (pcsc.Card, error) { return pcsc.Card{Handle: 9, Protocol: pcsc.ProtocolT1}, nil }
	sess.wait = func(states []pcsc.ReaderState) ([]pcsc.ReaderState, error) {
		return []pcsc.ReaderState{{Reader: states[0].Reader, EventState: pcsc.StatePresent | pcsc.StateChanged}}, nil
	}
	e, rec, _ := newTestEngine(t, Config{Mode: ModeEvent}, nil)
	e.setWatching(sess.readers[0])

	next, err := e.watchOnce(context.Background(), sess, sess.readers[0], pcsc.StateEmpty)
	if err != nil {
		t.Fatalf("watchOnce() failed: %v", err)
	}
	if next != pcsc.StatePresent {
		t.Errorf("Expected change bit stripped from next mask, got %#x", next)
	}
	if e.State() != StateCardPresent {
		t.Errorf("Expected card_present, got %s", e.State())
	}
	if e.heldCard() == nil {
		t.Error("Event mode must hold the connected handle")
	}
	if events := rec.all(); len(events) != 1 || events[0].UID != "04:A1:B2:C3" {
		t.Errorf("Expected one notification, got %+v", events)
	}
}

func TestWatchOnce_RemovalReturnsToWatching(t *testing.T) {
	sess := newFakeSession()
	sess.wait = func(states []pcsc.ReaderState) ([]pcsc.ReaderState, error) {
		return []pcsc.ReaderState{{Reader: states[0].Reader, EventState: pcsc.StateEmpty | pcsc.StateChanged}}, nil
	}
	e, _, events := newTestEngine(t, Config{Mode: ModeEvent}, nil)
	e.setCard(&pcsc.Card{Handle: 9})
	e.setCardPresent(sess.readers[0], "04:A1:B2:C3", "3B8F8001", atr.Metadata{CardName: "MIFARE Classic 1K"})

	next, err := e.watchOnce(context.Background(), sess, sess.readers[0], pcsc.StatePresent)
	if err != nil {
		t.Fatalf("watchOnce() failed: %v", err)
	}
	if next != pcsc.StateEmpty {
		t.Errorf("Expected empty mask for next wait, got %#x", next)
	}
	snap := e.Snapshot()
	if snap.State != StateWatching {
		t.Errorf("Expected watching after removal, got %s", snap.State)
	}
	if snap.UID != "" || snap.ATR != "" {
		t.Errorf("Card data must be cleared on removal, got %+v", snap)
	}
	if e.heldCard() != nil {
		t.Error("Expected held handle to be released")
	}
	if sess.disconnectCount() != 1 {
		t.Errorf("Expected one disconnect, got %d", sess.disconnectCount())
	}
	if countMessage(events, "card removed") != 1 {
		t.Errorf("Expected a 'card removed' entry, got %v", logMessages(events))
	}
}

func TestWatchOnce_CardVanishedBeforeConnect(t *testing.T) {
	sess := newFakeSession() // default connect reports no smartcard
	sess.wait = func(states []pcsc.ReaderState) ([]pcsc.ReaderState, error) {
		return []pcsc.ReaderState{{Reader: states[0].Reader, EventState: pcsc.StatePresent | pcsc.StateChanged}}, nil
	}
	e, rec, _ := newTestEngine(t, Config{Mode: ModeEvent}, nil)
	e.setWatching(sess.readers[0])

	if _, err := e.watchOnce(context.Background(), sess, sess.readers[0], pcsc.StateEmpty); err != nil {
		t.Fatalf("A vanished card must not fault the engine: %v", err)
	}
	if e.State() != StateWatching {
		t.Errorf("Expected watching to continue, got %s", e.State())
	}
	if len(rec.all()) != 0 {
		t.Error("No notification without a connected card")
	}
}

func TestAwaitReader_RetriesUntilReaderAppears(t *testing.T) {
	sess := newFakeSession()
	sess.readers = nil
	e, _, _ := newTestEngine(t, Config{Mode: ModeEvent}, nil)

	// pause() with the fake clock returns immediately, so the reader can be
	// attached from the enumeration hook after two empty results.
	attempts := 0
	sessWrap := &countingSession{fakeSession: sess, onList: func() {
		attempts++
		if attempts == 3 {
			sess.mu.Lock()
			sess.readers = []string{"ACR122U PICC 00 00"}
			sess.mu.Unlock()
		}
	}}

	reader, err := e.awaitReader(context.Background(), sessWrap)
	if err != nil {
		t.Fatalf("awaitReader() failed: %v", err)
	}
	if reader != "ACR122U PICC 00 00" {
		t.Errorf("Unexpected reader '%s'", reader)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 enumerations, got %d", attempts)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle while no readers were attached, got %s", e.State())
	}
}

// countingSession wraps fakeSession to observe ListReaders calls.
type countingSession struct {
	*fakeSession
	onList func()
}

func (c *countingSession) ListReaders(ctx context.Context) ([]string, error) {
	c.onList()
	return c.fakeSession.ListReaders(ctx)
}

func TestReadCard_NoUIDSkipsNotification(t *testing.T) {
	sess := newFakeSession()
	sess.uid = func(pcsc.Card) (string, error) { return "", nil }
	e, rec, events := newTestEngine(t, Config{Mode: ModePoll}, nil)

	e.readCard(context.Background(), sess, pcsc.Card{Handle: 7}, sess.readers[0])

	if e.State() != StateCardPresent {
		t.Errorf("Card without uid is still present, got %s", e.State())
	}
	if len(rec.all()) != 0 {
		t.Error("Expected no notification without a uid")
	}
	if countMessage(events, "card exposes no identifier, notification skipped") != 1 {
		t.Errorf("Expected a skip entry in the log, got %v", logMessages(events))
	}
}

func TestReconfigure_ReportsChange(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Mode: ModeEvent}, nil)

	if !e.Reconfigure(ModePoll, true) {
		t.Error("Mode change must report a restart requirement")
	}
	if e.Reconfigure(ModePoll, true) {
		t.Error("No-op reconfigure must not request a restart")
	}
	if !e.Reconfigure(ModePoll, false) {
		t.Error("Variant change must report a restart requirement")
	}
}

func TestEngine_StartDetectStop(t *testing.T) {
	sess := newFakeSession()
	sess.connect = func() (pcsc.Card, error) { return pcsc.Card{Handle: 7}, nil }

	detected := make(chan CardEvent, 1)
	events := eventlog.New()
	e := NewEngine(Config{
		Mode:         ModePoll,
		RetainHandle: true,
		PollInterval: time.Millisecond,
		Clock:        NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}, func(context.Context) (Session, error) {
		return sess, nil
	}, func(ev CardEvent) {
		select {
		case detected <- ev:
		default:
		}
	}, events)

	e.Start()
	select {
	case ev := <-detected:
		if ev.UID != "04:A1:B2:C3" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine never detected the card")
	}

	if !e.Healthy() {
		t.Error("Expected a healthy engine while running")
	}
	e.Stop()

	sess.mu.Lock()
	closed := sess.closed
	sess.mu.Unlock()
	if !closed {
		t.Error("Stop must dispose the session")
	}
	if e.Healthy() {
		t.Error("Stopped engine must not report healthy")
	}
}

func TestEngine_FaultsWhenDialFails(t *testing.T) {
	faulted := make(chan struct{}, 1)
	events := eventlog.New()
	e := NewEngine(Config{
		Mode:  ModePoll,
		Clock: NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}, func(context.Context) (Session, error) {
		return nil, &pcsc.TransportError{Op: "dial", Err: pcsc.ErrChannelClosed}
	}, nil, events)
	e.OnChange(func(s Snapshot) {
		if s.State == StateFaulted {
			select {
			case faulted <- struct{}{}:
			default:
			}
		}
	})

	e.Start()
	select {
	case <-faulted:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never entered the faulted state")
	}
	e.Stop()

	snap := e.Snapshot()
	if snap.LastError == "" {
		t.Error("Expected the dial failure recorded in the snapshot")
	}
	if countMessage(events, "engine fault") == 0 {
		t.Error("Expected a fault entry in the event log")
	}
}
