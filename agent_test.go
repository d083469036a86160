package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/venuekit/cardbridge/monitor"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := Config{
		Broker:   BrokerConfig{URL: "ws://broker.invalid/", PeerID: "test-agent"},
		Endpoint: EndpointConfig{URL: "https://hooks.example.test/cards", VenueID: "venue-9"},
	}
	cfg.applyDefaults()
	return NewAgent(cfg, "11111111-2222-3333-4444-555555555555")
}

func TestAgent_SettingsFromConfig(t *testing.T) {
	a := newTestAgent(t)

	s := a.Settings()
	if s.DetectionMode != monitor.ModeEvent {
		t.Errorf("Expected event mode, got %s", s.DetectionMode)
	}
	if !s.RetainHandle {
		t.Error("Expected retain-handle default true")
	}
	if s.EndpointURL != "https://hooks.example.test/cards" || s.VenueID != "venue-9" {
		t.Errorf("Unexpected endpoint settings: %+v", s)
	}
	if s.ClientID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("Unexpected client id: %s", s.ClientID)
	}
}

func TestAgent_UpdateSettingsPartial(t *testing.T) {
	a := newTestAgent(t)

	err := a.UpdateSettings(json.RawMessage(`{"detectionMode":"poll","venueId":"venue-7"}`))
	if err != nil {
		t.Fatalf("UpdateSettings() failed: %v", err)
	}

	s := a.Settings()
	if s.DetectionMode != monitor.ModePoll {
		t.Errorf("Expected poll mode after update, got %s", s.DetectionMode)
	}
	if s.VenueID != "venue-7" {
		t.Errorf("Expected venue updated, got '%s'", s.VenueID)
	}
	if s.EndpointURL != "https://hooks.example.test/cards" {
		t.Errorf("Untouched fields must survive, got '%s'", s.EndpointURL)
	}
}

func TestAgent_UpdateSettingsRejectsUnknownMode(t *testing.T) {
	a := newTestAgent(t)

	err := a.UpdateSettings(json.RawMessage(`{"detectionMode":"sideways"}`))
	if err == nil || !strings.Contains(err.Error(), "sideways") {
		t.Fatalf("Expected unknown-mode error, got %v", err)
	}
	if a.Settings().DetectionMode != monitor.ModeEvent {
		t.Error("Failed update must not change the mode")
	}
}

func TestAgent_UpdateSettingsRejectsMalformedDocument(t *testing.T) {
	a := newTestAgent(t)

	if err := a.UpdateSettings(json.RawMessage(`"not an object"`)); err == nil {
		t.Fatal("Expected a decode error for a non-object document")
	}
}

func TestAgent_StatePayload(t *testing.T) {
	a := newTestAgent(t)

	payload, ok := a.state().(statePayload)
	if !ok {
		t.Fatalf("Unexpected state payload type %T", a.state())
	}
	if payload.Snapshot.State != monitor.StateInitializing {
		t.Errorf("Expected initializing snapshot before start, got %s", payload.Snapshot.State)
	}
	if payload.Settings.VenueID != "venue-9" {
		t.Errorf("Expected settings embedded in the payload, got %+v", payload.Settings)
	}
	if payload.LastNotification != nil {
		t.Error("Expected no notification record before any dispatch")
	}
}
