// Package monitor implements the card detection engine: a state machine that
// discovers readers over a broker session, detects card presence using either
// a blocking-wait or a polling strategy, reads the card's identifier and ATR,
// and recovers from faults.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/venuekit/cardbridge/atr"
	"github.com/venuekit/cardbridge/eventlog"
	"github.com/venuekit/cardbridge/pcsc"
)

// Mode selects the detection strategy.
type Mode string

const (
	// ModeEvent blocks in GetStatusChange and reacts to presence transitions.
	ModeEvent Mode = "event"
	// ModePoll connects (or status-checks a held handle) on a fixed cadence.
	ModePoll Mode = "poll"
)

// State is the engine's observable lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateConnecting
	StateIdle
	StateWatching
	StateCardPresent
	StateFaulted
)

var stateNames = map[State]string{
	StateInitializing: "initializing",
	StateConnecting:   "connecting",
	StateIdle:         "idle",
	StateWatching:     "watching",
	StateCardPresent:  "card_present",
	StateFaulted:      "faulted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is a read-only view of the engine for external observers. The
// engine hands out copies, never shared references.
type Snapshot struct {
	State     State        `json:"state"`
	Reader    string       `json:"reader,omitempty"`
	UID       string       `json:"uid,omitempty"`
	ATR       string       `json:"atr,omitempty"`
	Card      atr.Metadata `json:"card"`
	Message   string       `json:"message,omitempty"`
	LastError string       `json:"lastError,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// CardEvent describes one detected card, passed to the notifier.
type CardEvent struct {
	Reader string
	UID    string
	ATR    string
	Card   atr.Metadata
}

// Notifier receives detected cards. Only cards that yielded a UID are
// announced.
type Notifier func(CardEvent)

// Config holds the engine's tunables. Zero values get defaults.
type Config struct {
	Mode         Mode
	RetainHandle bool // poll mode: hold the card handle across cycles

	PollInterval        time.Duration // poll mode cadence
	WaitTimeout         time.Duration // event mode bounded wait
	ReaderRetryInterval time.Duration // re-enumeration cadence while no readers
	RecoveryDelay       time.Duration // Faulted -> Connecting delay
	SettleDelay         time.Duration // pause between dispose and reconnect

	Clock Clock
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEvent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1500 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.ReaderRetryInterval <= 0 {
		c.ReaderRetryInterval = 2 * time.Second
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 3 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = NewRealClock()
	}
}

// internal loop-control sentinel
var errRestart = errors.New("restart requested")

// Engine owns one session at a time and runs the detection loop. All card
// and session state is mutated only from the engine goroutine; observers get
// immutable snapshots.
type Engine struct {
	factory SessionFactory
	notify  Notifier
	events  *eventlog.Log
	logger  *log.Logger
	clock   Clock

	mu       sync.RWMutex
	cfg      Config
	snap     Snapshot
	onChange func(Snapshot)
	session  Session
	card     *pcsc.Card
	running  bool

	restartFlag atomic.Bool
	stopCh      chan struct{}
	restartCh   chan struct{}
	wg          sync.WaitGroup
}

// NewEngine creates an engine. notify may be nil; events must not be.
func NewEngine(cfg Config, factory SessionFactory, notify Notifier, events *eventlog.Log) *Engine {
	cfg.applyDefaults()
	return &Engine{
		factory: factory,
		notify:  notify,
		events:  events,
		logger:  log.New(os.Stderr, "[engine] ", log.LstdFlags),
		clock:   cfg.Clock,
		cfg:     cfg,
		snap:    Snapshot{State: StateInitializing, UpdatedAt: cfg.Clock.Now()},
	}
}

// OnChange registers a callback fired with a snapshot copy after every state
// change. Must be set before Start.
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Start launches the detection loop. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.restartCh = make(chan struct{}, 1)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
}

// Stop cancels any in-flight wait, disposes the session and waits for the
// loop to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	sess := e.session
	e.mu.Unlock()

	if sess != nil {
		e.cancelWait(sess)
	}
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logger.Println("engine stopped")
}

// Restart forces the loop back to Connecting: the in-flight wait is
// cancelled, the session disposed, and after a short settle delay a fresh
// session is dialed. Used on config changes and by the health check.
func (e *Engine) Restart() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.restartFlag.Store(true)
	select {
	case e.restartCh <- struct{}{}:
	default:
	}
	sess := e.session
	e.mu.Unlock()

	if sess != nil {
		e.cancelWait(sess)
	}
}

func (e *Engine) cancelWait(sess Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Cancel(ctx); err != nil && !pcsc.IsTransport(err) {
		e.logger.Printf("cancel failed: %v", err)
	}
}

// Healthy reports whether the loop is running and its session's channel is
// still connected. The agent's periodic health tick restarts the engine when
// this fails; it is the sole liveness-recovery mechanism.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running && e.session != nil && e.session.Connected()
}

// Reconfigure updates the detection mode and poll variant. Returns true when
// the change requires a restart to take effect.
func (e *Engine) Reconfigure(mode Mode, retainHandle bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.cfg.Mode != mode || e.cfg.RetainHandle != retainHandle
	e.cfg.Mode = mode
	e.cfg.RetainHandle = retainHandle
	return changed
}

// Snapshot returns a copy of the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.State
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// run is the outer recovery loop: dial a session, hand it to the configured
// strategy, dispose it, and classify why the strategy returned.
func (e *Engine) run() {
	defer e.wg.Done()
	ctx := context.Background()

	for {
		if e.stopped() {
			return
		}
		e.restartFlag.Store(false)
		e.drainRestart()
		e.setConnecting()

		sess, err := e.factory(ctx)
		if err != nil {
			e.fault(fmt.Errorf("broker dial failed: %w", err))
			e.pause(e.config().RecoveryDelay)
			continue
		}
		e.setSession(sess)

		err = e.runStrategy(ctx, sess)

		e.dispose(ctx, sess)
		e.setSession(nil)

		switch {
		case e.stopped():
			return
		case errors.Is(err, errRestart) || pcsc.IsCancelled(err) || e.restartFlag.Load():
			e.events.Info("engine restarting", nil)
			e.clock.Sleep(e.config().SettleDelay)
		case err != nil:
			e.fault(err)
			e.pause(e.config().RecoveryDelay)
		}
	}
}

func (e *Engine) runStrategy(ctx context.Context, sess Session) error {
	if err := sess.EstablishContext(ctx); err != nil {
		return err
	}
	cfg := e.config()
	e.logger.Printf("session established, mode=%s", cfg.Mode)
	if cfg.Mode == ModePoll {
		return e.runPoll(ctx, sess)
	}
	return e.runEvent(ctx, sess)
}

// dispose tears one session down completely: held handle disconnected, broker
// context released, channel closed.
func (e *Engine) dispose(ctx context.Context, sess Session) {
	if c := e.heldCard(); c != nil {
		_ = sess.Disconnect(ctx, *c)
		e.setCard(nil)
	}
	if err := sess.Close(); err != nil {
		e.logger.Printf("session close: %v", err)
	}
}

func (e *Engine) setSession(sess Session) {
	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()
}

func (e *Engine) heldCard() *pcsc.Card {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.card
}

func (e *Engine) setCard(card *pcsc.Card) {
	e.mu.Lock()
	e.card = card
	e.mu.Unlock()
}

func (e *Engine) stopped() bool {
	e.mu.RLock()
	stopCh := e.stopCh
	e.mu.RUnlock()
	if stopCh == nil {
		return true
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) drainRestart() {
	select {
	case <-e.restartCh:
	default:
	}
}

// pause sleeps for d but wakes early on stop or restart. Returns false when
// interrupted.
func (e *Engine) pause(d time.Duration) bool {
	select {
	case <-e.clock.After(d):
		return !e.restartFlag.Load()
	case <-e.stopCh:
		return false
	case <-e.restartCh:
		return false
	}
}

// readCard reads the identifier and ATR of a freshly connected card. Either
// sub-step may fail without aborting the other; the resulting snapshot is
// published and, if a UID was obtained, the notifier fires.
func (e *Engine) readCard(ctx context.Context, sess Session, card pcsc.Card, reader string) {
	uid, err := sess.ReadUID(ctx, card)
	if err != nil {
		e.logger.Printf("uid read failed: %v", err)
		e.events.Warn("uid read failed", map[string]any{"reader": reader, "error": err.Error()})
	}

	var atrHex string
	var meta atr.Metadata
	st, err := sess.Status(ctx, card)
	if err != nil {
		e.logger.Printf("status query failed: %v", err)
		e.events.Warn("atr query failed", map[string]any{"reader": reader, "error": err.Error()})
	} else {
		atrHex = fmt.Sprintf("%X", st.ATR)
		meta = atr.Parse(st.ATR)
	}

	prev := e.Snapshot()
	e.setCardPresent(reader, uid, atrHex, meta)

	if uid == "" {
		e.events.Warn("card exposes no identifier, notification skipped", map[string]any{"reader": reader, "atr": atrHex})
		return
	}
	if prev.State == StateCardPresent && prev.UID == uid {
		// Same card re-observed (reconnect-every-cycle variant); already announced.
		return
	}
	e.events.Info("card detected", map[string]any{"reader": reader, "uid": uid, "atr": atrHex, "name": meta.CardName})
	if e.notify != nil {
		e.notify(CardEvent{Reader: reader, UID: uid, ATR: atrHex, Card: meta})
	}
}

// snapshot mutators

func (e *Engine) update(fn func(*Snapshot)) {
	e.mu.Lock()
	fn(&e.snap)
	e.snap.UpdatedAt = e.clock.Now()
	snap := e.snap
	cb := e.onChange
	e.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

func (e *Engine) setConnecting() {
	e.update(func(s *Snapshot) {
		s.State = StateConnecting
		s.Message = "connecting to resource manager"
		s.UID = ""
		s.ATR = ""
		s.Card = atr.Metadata{}
	})
}

// setIdle clears any card data. No-op when already idle with the same
// message, so repeated no-card cycles do not churn observers.
func (e *Engine) setIdle(message string) {
	e.mu.RLock()
	already := e.snap.State == StateIdle && e.snap.Message == message
	e.mu.RUnlock()
	if already {
		return
	}
	e.update(func(s *Snapshot) {
		s.State = StateIdle
		s.Message = message
		s.UID = ""
		s.ATR = ""
		s.Card = atr.Metadata{}
	})
}

func (e *Engine) setWatching(reader string) {
	e.update(func(s *Snapshot) {
		s.State = StateWatching
		s.Reader = reader
		s.Message = "watching reader"
		s.UID = ""
		s.ATR = ""
		s.Card = atr.Metadata{}
	})
}

func (e *Engine) setCardPresent(reader, uid, atrHex string, meta atr.Metadata) {
	e.update(func(s *Snapshot) {
		s.State = StateCardPresent
		s.Reader = reader
		s.Message = "card present"
		s.UID = uid
		s.ATR = atrHex
		s.Card = meta
	})
}

func (e *Engine) fault(err error) {
	e.logger.Printf("engine fault: %v", err)
	e.events.Error("engine fault", map[string]any{"error": err.Error()})
	e.update(func(s *Snapshot) {
		s.State = StateFaulted
		s.Message = "recovering"
		s.LastError = err.Error()
		s.UID = ""
		s.ATR = ""
		s.Card = atr.Metadata{}
	})
}
