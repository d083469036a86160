// Package dispatch posts detected cards to the operator-configured HTTP
// endpoint and retains the most recent request/response pair for diagnostic
// replay.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/venuekit/cardbridge/atr"
	"github.com/venuekit/cardbridge/buildinfo"
	"github.com/venuekit/cardbridge/eventlog"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20 // 1 MiB
)

// ErrNoLastRequest is returned by Resend when there is nothing to replay and
// no overrides were given.
var ErrNoLastRequest = errors.New("no previous request to resend")

// Settings are the dispatch-relevant settings, pulled fresh on every call so
// changes take effect on the next dispatch without a restart.
type Settings struct {
	EndpointURL string
	VenueID     string
	ClientID    string
}

// Card is the detected-card input to Notify.
type Card struct {
	UID  string
	ATR  string
	Meta atr.Metadata
}

// RequestRecord captures an outbound request before the network round trip.
type RequestRecord struct {
	URL       string      `json:"url"`
	Headers   http.Header `json:"headers"`
	Body      string      `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
}

// ResponseRecord captures the outcome of one dispatch. Either Status/Body or
// Error is populated.
type ResponseRecord struct {
	Status     int         `json:"status,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       any         `json:"body,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Record is one request/response pair. The dispatcher retains only the most
// recent one.
type Record struct {
	Request  RequestRecord   `json:"request"`
	Response *ResponseRecord `json:"response,omitempty"`
}

// notification is the outbound JSON body. Card metadata fields appear only
// when derivable.
type notification struct {
	CardID       string `json:"card_id"`
	VenueID      string `json:"venue_id"`
	ClientID     string `json:"client_id"`
	CardATR      string `json:"card_atr,omitempty"`
	CardName     string `json:"card_name,omitempty"`
	CardStandard string `json:"card_standard,omitempty"`
	CardType     string `json:"card_type,omitempty"`
	CardRID      string `json:"card_rid,omitempty"`
}

// Dispatcher posts card notifications. A failed dispatch is terminal for
// that detection event: there is no automatic retry, the operator resends
// manually through the control surface.
type Dispatcher struct {
	client   *http.Client
	settings func() Settings
	events   *eventlog.Log
	logger   *log.Logger

	mu   sync.Mutex
	last *Record
}

// New creates a dispatcher. settings is called at every dispatch.
func New(settings func() Settings, events *eventlog.Log) *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{Timeout: defaultTimeout},
		settings: settings,
		events:   events,
		logger:   log.New(os.Stderr, "[dispatch] ", log.LstdFlags),
	}
}

// Notify builds and sends the notification for one detected card. Without a
// configured endpoint it warns and does nothing.
func (d *Dispatcher) Notify(card Card) error {
	s := d.settings()
	if s.EndpointURL == "" {
		d.logger.Println("no endpoint configured, dropping notification")
		d.events.Warn("no endpoint configured, notification dropped", map[string]any{"uid": card.UID})
		return nil
	}

	body, err := json.Marshal(notification{
		CardID:       card.UID,
		VenueID:      s.VenueID,
		ClientID:     s.ClientID,
		CardATR:      card.ATR,
		CardName:     card.Meta.CardName,
		CardStandard: card.Meta.Standard,
		CardType:     card.Meta.CardType,
		CardRID:      card.Meta.RID,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return d.send(s.EndpointURL, string(body))
}

// Resend replays the last request, optionally overriding its URL and/or
// body, and overwrites the retained record pair.
func (d *Dispatcher) Resend(urlOverride, bodyOverride string) error {
	d.mu.Lock()
	last := d.last
	d.mu.Unlock()

	url := urlOverride
	body := bodyOverride
	if last != nil {
		if url == "" {
			url = last.Request.URL
		}
		if body == "" {
			body = last.Request.Body
		}
	}
	if url == "" || body == "" {
		return ErrNoLastRequest
	}
	d.events.Info("resending last request", map[string]any{"url": url})
	return d.send(url, body)
}

// LastRecord returns the retained request/response pair, or nil.
func (d *Dispatcher) LastRecord() *Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil
	}
	rec := *d.last
	return &rec
}

// send performs a single POST. The request record is stored before the round
// trip so a crash or hang still leaves the attempt visible; storing it also
// clears any stale response.
func (d *Dispatcher) send(url, body string) error {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", buildinfo.UserAgent())

	rec := &Record{Request: RequestRecord{
		URL:       url,
		Headers:   headers,
		Body:      body,
		Timestamp: time.Now(),
	}}
	d.mu.Lock()
	d.last = rec
	d.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		d.recordError(rec, 0, err)
		return err
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		d.recordError(rec, duration, err)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		d.recordError(rec, duration, fmt.Errorf("read response body: %w", err))
		return err
	}

	d.mu.Lock()
	rec.Response = &ResponseRecord{
		Status:     resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       parseBody(resp.Header.Get("Content-Type"), raw),
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}
	d.mu.Unlock()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Printf("dispatch to %s failed: HTTP %d", url, resp.StatusCode)
		d.events.Error("dispatch rejected by endpoint", map[string]any{
			"url": url, "status": resp.StatusCode, "durationMs": duration.Milliseconds(),
		})
		return fmt.Errorf("dispatch: endpoint returned HTTP %d", resp.StatusCode)
	}

	d.logger.Printf("dispatched to %s (HTTP %d, %dms)", url, resp.StatusCode, duration.Milliseconds())
	d.events.Info("card dispatched", map[string]any{
		"url": url, "status": resp.StatusCode, "durationMs": duration.Milliseconds(),
	})
	return nil
}

func (d *Dispatcher) recordError(rec *Record, duration time.Duration, err error) {
	d.mu.Lock()
	rec.Response = &ResponseRecord{
		Error:      err.Error(),
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}
	d.mu.Unlock()
	d.logger.Printf("dispatch failed: %v", err)
	d.events.Error("dispatch failed", map[string]any{"error": err.Error()})
}

// parseBody decodes the response body as JSON when the content type says so,
// otherwise keeps it as raw text.
func parseBody(contentType string, raw []byte) any {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			var v any
			if err := json.Unmarshal(bytes.TrimSpace(raw), &v); err == nil {
				return v
			}
		}
	}
	return string(raw)
}
