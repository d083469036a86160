package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/venuekit/cardbridge/dispatch"
	"github.com/venuekit/cardbridge/eventlog"
	"github.com/venuekit/cardbridge/monitor"
	"github.com/venuekit/cardbridge/pcsc"
	"github.com/venuekit/cardbridge/server"
)

// Settings is the operator-mutable slice of the configuration. The core
// reacts to changes but does not persist them (except the durable client id,
// which is generated once and kept beside the config file).
type Settings struct {
	DetectionMode monitor.Mode `json:"detectionMode"`
	RetainHandle  bool         `json:"retainHandle"`
	EndpointURL   string       `json:"endpointUrl"`
	VenueID       string       `json:"venueId"`
	ClientID      string       `json:"clientId"`
}

// settingsUpdate is the partial-settings document pushed through the control
// surface. Nil fields are left unchanged.
type settingsUpdate struct {
	DetectionMode *string `json:"detectionMode,omitempty"`
	RetainHandle  *bool   `json:"retainHandle,omitempty"`
	EndpointURL   *string `json:"endpointUrl,omitempty"`
	VenueID       *string `json:"venueId,omitempty"`
}

// statePayload is the GET /api/state response.
type statePayload struct {
	Snapshot         monitor.Snapshot `json:"snapshot"`
	Settings         Settings         `json:"settings"`
	Log              []eventlog.Entry `json:"log"`
	LastNotification *dispatch.Record `json:"lastNotification,omitempty"`
}

// Agent wires the detection engine, dispatcher, event log and control
// surface together and owns their lifecycles.
type Agent struct {
	logger *log.Logger

	mu       sync.RWMutex
	settings Settings

	events     *eventlog.Log
	dispatcher *dispatch.Dispatcher
	engine     *monitor.Engine
	server     *server.Server

	healthStop chan struct{}
	wg         sync.WaitGroup
}

// NewAgent builds the full component graph from the loaded configuration.
func NewAgent(cfg Config, clientID string) *Agent {
	a := &Agent{
		logger: log.New(os.Stderr, "[agent] ", log.LstdFlags),
		settings: Settings{
			DetectionMode: cfg.DetectionMode(),
			RetainHandle:  cfg.RetainHandle(),
			EndpointURL:   cfg.Endpoint.URL,
			VenueID:       cfg.Endpoint.VenueID,
			ClientID:      clientID,
		},
		events:     eventlog.New(),
		healthStop: make(chan struct{}),
	}

	a.dispatcher = dispatch.New(a.dispatchSettings, a.events)

	a.engine = monitor.NewEngine(monitor.Config{
		Mode:         cfg.DetectionMode(),
		RetainHandle: cfg.RetainHandle(),
		PollInterval: cfg.PollInterval(),
	}, sessionFactory(cfg.Broker), func(ev monitor.CardEvent) {
		_ = a.dispatcher.Notify(dispatch.Card{UID: ev.UID, ATR: ev.ATR, Meta: ev.Card})
	}, a.events)

	a.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		GetState:       a.state,
		Resend:         a.dispatcher.Resend,
		ClearLog:       a.events.Clear,
		UpdateSettings: a.UpdateSettings,
	})

	a.engine.OnChange(func(snap monitor.Snapshot) {
		a.server.Broadcast("state", snap)
	})
	a.events.OnAppend(func(entry eventlog.Entry) {
		a.server.Broadcast("log", entry)
	})

	return a
}

// sessionFactory dials the broker channel, retrying with exponential backoff
// within the engine's Connecting phase, and wraps it in a protocol session.
func sessionFactory(broker BrokerConfig) monitor.SessionFactory {
	return func(ctx context.Context) (monitor.Session, error) {
		var ch *pcsc.Channel
		operation := func() error {
			var err error
			ch, err = pcsc.Dial(ctx, broker.URL, broker.PeerID)
			return err
		}
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 30 * time.Second
		if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
			return nil, err
		}
		return pcsc.NewClient(ch), nil
	}
}

// Start launches the engine, control surface and health ticker.
func (a *Agent) Start(healthPeriod time.Duration) {
	a.events.Info("agent starting", map[string]any{"mode": string(a.Settings().DetectionMode)})
	a.engine.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Start(); err != nil {
			a.logger.Printf("control surface failed: %v", err)
		}
	}()

	a.wg.Add(1)
	go a.healthLoop(healthPeriod)
}

// healthLoop is the periodic liveness tick: the execution environment may
// stall the engine, so a failed check forces a restart.
func (a *Agent) healthLoop(period time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-a.healthStop:
			return
		case <-ticker.C:
			if !a.engine.Healthy() {
				a.logger.Println("health check failed, restarting engine")
				a.events.Warn("health check failed, engine restarted", nil)
				a.engine.Restart()
			}
		}
	}
}

// Stop shuts everything down: health ticker, control surface, then the
// engine (which disposes its session).
func (a *Agent) Stop() {
	a.logger.Println("stopping agent...")
	close(a.healthStop)
	a.server.Stop()
	a.engine.Stop()
	a.wg.Wait()
	a.logger.Println("agent stopped")
}

// Settings returns a copy of the current settings.
func (a *Agent) Settings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// dispatchSettings adapts the agent settings for the dispatcher; it is
// called at dispatch time so endpoint/venue changes apply to the next
// notification without a restart.
func (a *Agent) dispatchSettings() dispatch.Settings {
	s := a.Settings()
	return dispatch.Settings{
		EndpointURL: s.EndpointURL,
		VenueID:     s.VenueID,
		ClientID:    s.ClientID,
	}
}

// UpdateSettings applies a partial settings document pushed through the
// control surface. A detection-mode or poll-variant change restarts the
// engine; everything else takes effect on the next dispatch.
func (a *Agent) UpdateSettings(raw json.RawMessage) error {
	var upd settingsUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}

	a.mu.Lock()
	if upd.DetectionMode != nil {
		switch monitor.Mode(*upd.DetectionMode) {
		case monitor.ModeEvent, monitor.ModePoll:
			a.settings.DetectionMode = monitor.Mode(*upd.DetectionMode)
		default:
			a.mu.Unlock()
			return fmt.Errorf("unknown detection mode %q", *upd.DetectionMode)
		}
	}
	if upd.RetainHandle != nil {
		a.settings.RetainHandle = *upd.RetainHandle
	}
	if upd.EndpointURL != nil {
		a.settings.EndpointURL = *upd.EndpointURL
	}
	if upd.VenueID != nil {
		a.settings.VenueID = *upd.VenueID
	}
	mode := a.settings.DetectionMode
	retain := a.settings.RetainHandle
	a.mu.Unlock()

	a.events.Info("settings updated", map[string]any{"mode": string(mode)})
	if a.engine.Reconfigure(mode, retain) {
		a.logger.Printf("detection mode changed to %s, restarting engine", mode)
		a.engine.Restart()
	}
	return nil
}

// state assembles the GET /api/state payload.
func (a *Agent) state() any {
	return statePayload{
		Snapshot:         a.engine.Snapshot(),
		Settings:         a.Settings(),
		Log:              a.events.Entries(),
		LastNotification: a.dispatcher.LastRecord(),
	}
}
