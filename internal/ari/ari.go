// Package ari is a client for the Asterisk REST Interface.
//
// It covers the small slice of ARI this application needs: channel and
// bridge lifecycle commands over HTTP with basic auth, and the Stasis
// application event stream over WebSocket. Commands retry transient
// failures on a fixed 100/300/900 ms schedule; 4xx responses are terminal.
// The event stream reconnects with jittered exponential backoff capped at
// thirty seconds, and missed events are not replayed.
package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/arivox/arivox/internal/resilience"
)

const (
	defaultRequestTimeout = 10 * time.Second
	reconnectBase         = 500 * time.Millisecond
	maxReconnectWait      = 30 * time.Second
	eventBufDepth         = 64
)

// Event types dispatched from the Stasis stream.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventPlaybackStarted     = "PlaybackStarted"
	EventPlaybackFinished    = "PlaybackFinished"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
)

// CallerID is the caller identity attached to a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is the subset of the ARI channel resource this client uses.
type Channel struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Caller CallerID `json:"caller"`
}

// Bridge is the subset of the ARI bridge resource this client uses.
type Bridge struct {
	ID string `json:"id"`
}

// Playback is the subset of the ARI playback resource this client uses.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// Event is one Stasis application event. Only the fields relevant to the
// event's type are populated.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Channel     *Channel  `json:"channel"`
	Bridge      *Bridge   `json:"bridge"`
	Playback    *Playback `json:"playback"`
	Digit       string    `json:"digit"`
	Cause       int       `json:"cause"`
	Args        []string  `json:"args"`
}

// StatusError is a non-2xx REST response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari: status %d: %s", e.Code, e.Body)
}

// Terminal reports whether the response must not be retried.
func (e *StatusError) Terminal() bool {
	return e.Code >= 400 && e.Code < 500
}

// Config holds the connection parameters for one Asterisk instance.
type Config struct {
	// URL is the ARI base, for example http://127.0.0.1:8088.
	URL string

	Username string
	Password string

	// Application is the Stasis application name to subscribe to.
	Application string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithRetryPolicy replaces the command retry schedule.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithReconnectWait overrides the event-stream reconnect backoff bounds.
func WithReconnectWait(base, max time.Duration) Option {
	return func(c *Client) {
		c.reconnectBase = base
		c.reconnectMax = max
	}
}

// Client talks to one Asterisk instance. REST methods are safe for
// concurrent use; the event stream is started once with Connect.
type Client struct {
	base     *url.URL
	username string
	password string
	app      string

	httpc         *http.Client
	retry         resilience.RetryPolicy
	reconnectBase time.Duration
	reconnectMax  time.Duration
	log           *slog.Logger

	events chan Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates a Client. The event stream is not connected until Connect is
// called.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Application == "" {
		return nil, fmt.Errorf("ari: application name is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ari: parse url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ari: unsupported scheme %q", base.Scheme)
	}

	c := &Client{
		base:          base,
		username:      cfg.Username,
		password:      cfg.Password,
		app:           cfg.Application,
		httpc:         &http.Client{Timeout: defaultRequestTimeout},
		retry:         resilience.DefaultRetryPolicy(retryable),
		reconnectBase: reconnectBase,
		reconnectMax:  maxReconnectWait,
		log:           slog.Default().With("component", "ari"),
		events:        make(chan Event, eventBufDepth),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// retryable keeps 5xx and network failures on the retry schedule; any 4xx
// is terminal.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Terminal()
	}
	return true
}

// ─── REST commands ────────────────────────────────────────────────────────────

// AnswerChannel answers a ringing channel.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// HangupChannel hangs up a channel. A 404 means the channel is already gone
// and is treated as success.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "channels/"+url.PathEscape(channelID), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (Bridge, error) {
	var b Bridge
	q := url.Values{"type": {"mixing"}}
	err := c.do(ctx, http.MethodPost, "bridges", q, &b)
	return b, err
}

// DeleteBridge destroys a bridge. A 404 is treated as success.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, http.MethodDelete, "bridges/"+url.PathEscape(bridgeID), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// AddChannelToBridge places a channel into a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// OriginateExternalMedia creates an external-media channel that sends the
// bridge's audio as RTP to dest in the given format (for example "ulaw").
func (c *Client) OriginateExternalMedia(ctx context.Context, dest, format string) (Channel, error) {
	var ch Channel
	q := url.Values{
		"app":           {c.app},
		"external_host": {dest},
		"format":        {format},
		"transport":     {"udp"},
		"encapsulation": {"rtp"},
	}
	err := c.do(ctx, http.MethodPost, "channels/externalMedia", q, &ch)
	return ch, err
}

// OriginateAudioSocket originates a channel whose media is carried over the
// AudioSocket protocol to serverAddr, identified by id in the handshake.
func (c *Client) OriginateAudioSocket(ctx context.Context, serverAddr string, id uuid.UUID) (Channel, error) {
	var ch Channel
	q := url.Values{
		"endpoint": {fmt.Sprintf("AudioSocket/%s/%s", serverAddr, id)},
		"app":      {c.app},
		"appArgs":  {"media-leg"},
	}
	err := c.do(ctx, http.MethodPost, "channels", q, &ch)
	return ch, err
}

// PlayOnChannel starts a playback on a channel under a caller-chosen
// playback ID, so the ID can be indexed before the command is issued.
func (c *Client) PlayOnChannel(ctx context.Context, channelID, playbackID, media string) (Playback, error) {
	var p Playback
	q := url.Values{"media": {media}}
	path := "channels/" + url.PathEscape(channelID) + "/play/" + url.PathEscape(playbackID)
	err := c.do(ctx, http.MethodPost, path, q, &p)
	return p, err
}

// PlayOnBridge starts a playback on a bridge under a caller-chosen
// playback ID.
func (c *Client) PlayOnBridge(ctx context.Context, bridgeID, playbackID, media string) (Playback, error) {
	var p Playback
	q := url.Values{"media": {media}}
	path := "bridges/" + url.PathEscape(bridgeID) + "/play/" + url.PathEscape(playbackID)
	err := c.do(ctx, http.MethodPost, path, q, &p)
	return p, err
}

// Ping probes the REST interface. Used by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "asterisk/info", nil, nil)
}

// StopPlayback stops a running playback. A 404 means the playback already
// finished and is treated as success.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	err := c.do(ctx, http.MethodDelete, "playbacks/"+url.PathEscape(playbackID), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// do issues one REST command under the retry policy, decoding a JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ari/" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	return c.retry.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return fmt.Errorf("ari: build request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("ari: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("ari: decode %s response: %w", path, err)
			}
		}
		return nil
	})
}

// ─── Event stream ─────────────────────────────────────────────────────────────

// Connect dials the Stasis event stream and keeps it alive until Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("ari: already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.wg.Add(1)
	go c.eventLoop(runCtx)
	return nil
}

// Events returns the stream of dispatched Stasis events.
func (c *Client) Events() <-chan Event { return c.events }

// Close stops the event stream and closes the events channel.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	close(c.events)
}

// eventLoop dials the event WebSocket and re-dials with jittered exponential
// backoff until the context is cancelled.
func (c *Client) eventLoop(ctx context.Context) {
	defer c.wg.Done()

	wait := c.reconnectBase
	for ctx.Err() == nil {
		connected, err := c.readEvents(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// The stream was up; losing it starts a fresh backoff run.
			wait = c.reconnectBase
		}
		if err != nil {
			c.log.Warn("event stream ended, reconnecting", "wait", wait, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(wait)):
		}
		wait = min(wait*2, c.reconnectMax)
	}
}

// jitter spreads d by up to ±20% so reconnect storms do not synchronize.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// readEvents dials the event WebSocket and pumps it until it fails.
// connected reports whether the dial succeeded, so the caller can tell a
// dropped stream from a server that never answered.
func (c *Client) readEvents(ctx context.Context) (connected bool, _ error) {
	u := *c.base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ari/events"
	u.RawQuery = url.Values{
		"app":     {c.app},
		"api_key": {c.username + ":" + c.password},
	}.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.httpc,
	})
	if err != nil {
		return false, fmt.Errorf("ari: dial events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)
	c.log.Info("event stream connected", "app", c.app)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("undecodable event", "err", err)
			continue
		}
		if !dispatched(ev.Type) {
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// dispatched reports whether the event type is part of the application's
// contract. Everything else on the stream is ignored.
func dispatched(typ string) bool {
	switch typ {
	case EventStasisStart, EventStasisEnd, EventChannelDestroyed,
		EventPlaybackStarted, EventPlaybackFinished, EventChannelDtmfReceived:
		return true
	}
	return false
}
