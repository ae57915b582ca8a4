// Package cloudlink owns one WebSocket connection to the platform's
// cloud-variable endpoint and turns its JSON-lines packets into a small
// pub/sub event bus plus an in-memory variable cache, with a rate-limited
// writer and a bounded-retry reconnect loop.
//
// Grounded on scratchcommunication/cloud.py's CloudConnection and
// TwCloudConnection (the TurboWarp variant); the WebSocket transport
// itself lives in pkg/cloudlink/wire, adapted from the teacher's
// pkg/websocket client.
package cloudlink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cloudmux/bridge/internal/logger"
	"github.com/cloudmux/bridge/internal/session"
	"github.com/cloudmux/bridge/internal/warnlog"
	"github.com/cloudmux/bridge/pkg/cloudlink/wire"
)

// State is CloudLink's connection state machine: IDLE → CONNECTING →
// HANDSHAKING → READING → CLOSED. The state does not return to CONNECTING
// on a drop: the wire client reconnects internally while the state stays
// READING, and the state becomes CLOSED when the message channel closes or
// Close is called.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateReading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrQuickAccessDisabled is returned by Value/SetValue when the link
// wasn't constructed with WithQuickAccess.
var ErrQuickAccessDisabled = errors.New("cloudlink: quick-access lookup table is disabled")

// ErrNotConnected is returned by Set when Connect has not yet dialed the
// WebSocket.
var ErrNotConnected = errors.New("cloudlink: not connected")

// maxValueJSONLen is the maximum length, in bytes, of a cloud variable
// value's JSON encoding, per spec.md §7's BadValue taxonomy entry.
const maxValueJSONLen = 256

// ErrBadValue is returned by Set when value fails the pre-send validator:
// non-numeric (unless this Link accepts TurboWarp's AcceptStrings
// extension) or its JSON encoding exceeds maxValueJSONLen bytes. Mirrors
// cloud.py's verify_value (CloudConnection: float(value) + len(json.dumps(value))
// <= 256; TwCloudConnection: float(value) unless accept_strs and the value
// is a string).
var ErrBadValue = errors.New("cloudlink: bad value for cloud variable")

// validateValue implements verify_value: value must parse as a number
// unless this Link was built WithAcceptStrings, and its JSON encoding must
// not exceed maxValueJSONLen bytes.
func (l *Link) validateValue(value string) error {
	if _, err := strconv.ParseFloat(value, 64); err != nil && !l.acceptStrings {
		return ErrBadValue
	}

	if len(rawValue(value)) > maxValueJSONLen {
		return ErrBadValue
	}
	return nil
}

// Link is one authenticated connection to the cloud-variable channel.
type Link struct {
	projectID      int
	username       string
	sess           session.Session
	turboWarp      bool
	userAgent      string
	host           string
	acceptStrings  bool
	quickAccess    bool
	writePace      time.Duration
	reconnectTries int
	logs           CloudLogFetcher

	mu    sync.Mutex
	state State

	client *wire.Client

	valuesMu sync.RWMutex
	values   map[string]string

	handlersMu sync.RWMutex
	handlers   map[EventType][]func(Event)

	writeMu  sync.Mutex
	lastSent time.Time
}

// Option configures a Link before Connect is called.
type Option func(*Link)

// WithSession authenticates as a logged-in platform user (the default,
// non-TurboWarp flavor). Mutually exclusive with WithTurboWarp.
func WithSession(s session.Session) Option {
	return func(l *Link) { l.sess = s; l.username = s.Username }
}

// WithTurboWarp switches to the TurboWarp cloud-variable flavor: no cookie
// authentication, a required User-Agent, and (unless overridden) a larger
// packet size downstream in pkg/cloudsocket.
func WithTurboWarp(userAgent, username string) Option {
	return func(l *Link) {
		l.turboWarp = true
		l.userAgent = userAgent
		l.username = username
		l.host = "wss://clouddata.turbowarp.org"
	}
}

// WithHost overrides the cloud-variable endpoint (mainly for tests).
func WithHost(host string) Option {
	return func(l *Link) { l.host = host }
}

// WithAcceptStrings allows non-numeric cloud-variable values, a TurboWarp
// extension (spec.md §4.4's "Variants").
func WithAcceptStrings() Option {
	return func(l *Link) { l.acceptStrings = true }
}

// WithQuickAccess enables the map-like Value/SetValue accessors.
func WithQuickAccess() Option {
	return func(l *Link) { l.quickAccess = true }
}

// WithWritePace overrides the default 100ms minimum delay between writes.
func WithWritePace(d time.Duration) Option {
	return func(l *Link) { l.writePace = d }
}

// WithReconnectTries overrides the default bound on reconnection attempts.
func WithReconnectTries(n int) Option {
	return func(l *Link) { l.reconnectTries = n }
}

// WithCloudLogFetcher wires in a backing store for Event.User/Timestamp's
// lazy lookups (see logs.go). Unused (and unsupported) under TurboWarp.
func WithCloudLogFetcher(f CloudLogFetcher) Option {
	return func(l *Link) { l.logs = f }
}

// New constructs a Link for projectID. Call Connect to open it.
func New(projectID int, opts ...Option) *Link {
	l := &Link{
		projectID:      projectID,
		host:           "wss://clouddata.scratch.mit.edu",
		writePace:      100 * time.Millisecond,
		reconnectTries: 10,
		values:         map[string]string{},
		handlers:       map[EventType][]func(Event){},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect dials the WebSocket, performs the cloud-variable handshake, and
// starts the reader goroutine. It blocks until the handshake completes (or
// fails).
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.state = StateConnecting
	l.mu.Unlock()

	opts := []wire.DialOpt{}
	if l.turboWarp {
		if l.userAgent == "" {
			return errors.New("cloudlink: TurboWarp flavor requires a User-Agent")
		}
		opts = append(opts, wire.WithHTTPHeader("User-Agent", l.userAgent))
	} else {
		opts = append(opts,
			wire.WithHTTPHeader("Cookie", l.sess.CookieHeader()),
			wire.WithHTTPHeader("Origin", "https://scratch.mit.edu"),
		)
	}

	url := func(context.Context) (string, error) { return l.host, nil }
	client, err := wire.NewOrCachedClient(ctx, url, l.clientID(), opts...)
	if err != nil {
		return fmt.Errorf("cloudlink: failed to connect: %w", err)
	}
	client.SetMaxReconnectTries(l.reconnectTries)

	l.mu.Lock()
	l.client = client
	l.state = StateHandshaking
	l.mu.Unlock()

	if err := l.handshake(); err != nil {
		return err
	}

	l.mu.Lock()
	l.state = StateReading
	l.mu.Unlock()

	go l.readLoop(ctx)

	l.dispatch(Event{Type: EventConnect, Timestamp: time.Now()})
	return nil
}

func (l *Link) clientID() string {
	if l.turboWarp {
		return fmt.Sprintf("turbowarp:%d:%s", l.projectID, l.username)
	}
	return fmt.Sprintf("scratch:%d:%s", l.projectID, l.sess.SessionID)
}

func (l *Link) handshake() error {
	return l.client.SendJSONLine(wirePacket{
		Method:    "handshake",
		User:      l.username,
		ProjectID: l.projectID,
	})
}

// readLoop runs for the lifetime of the Link, translating incoming
// WebSocket text messages into Events and feeding the variable cache.
// Runs as a goroutine; all event handlers are invoked synchronously from
// here, matching spec.md §4.4 ("invoked synchronously in reader-thread
// context").
func (l *Link) readLoop(ctx context.Context) {
	log := logger.FromContext(ctx)
	for {
		select {
		case msg, ok := <-l.client.IncomingMessages():
			if !ok {
				select {
				case err := <-l.client.ReconnectFailed():
					log.Error("cloudlink: reconnection attempts exhausted", "error", err)
				default:
				}
				l.mu.Lock()
				l.state = StateClosed
				l.mu.Unlock()
				return
			}
			if msg.Opcode != wire.OpcodeText {
				continue
			}
			l.handleLines(msg.Data)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Link) handleLines(data []byte) {
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				l.handleLine(data[start:i])
			}
			start = i + 1
		}
	}
}

func (l *Link) handleLine(line []byte) {
	var p wirePacket
	if err := unmarshalPacket(line, &p); err != nil {
		warnlog.Warn(context.Background(), "bad_message", "malformed cloud-variable packet", err)
		return
	}

	ev := p.toEvent()
	if ev.Type == EventSet {
		l.valuesMu.Lock()
		l.values[ev.Name] = ev.Value
		l.valuesMu.Unlock()
	}
	l.dispatch(ev)
}

// On registers a handler for a specific event type, or EventAny for all of
// them. Multiple handlers for the same type all run, in registration order.
func (l *Link) On(t EventType, handler func(Event)) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[t] = append(l.handlers[t], handler)
}

func (l *Link) dispatch(ev Event) {
	l.handlersMu.RLock()
	specific := append([]func(Event){}, l.handlers[ev.Type]...)
	any := append([]func(Event){}, l.handlers[EventAny]...)
	l.handlersMu.RUnlock()

	for _, h := range specific {
		l.invoke(h, ev)
	}
	for _, h := range any {
		l.invoke(h, ev)
	}
}

func (l *Link) invoke(h func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			warnlog.Warn(context.Background(), "error_in_request",
				"event handler panicked", fmt.Errorf("%v", r))
		}
	}()
	h(ev)
}

// Set writes a cloud variable, pacing writes so no two calls on this Link
// go out closer together than WithWritePace's delay (default 100ms).
func (l *Link) Set(name, value string) error {
	l.mu.Lock()
	connected := l.client != nil
	l.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if err := l.validateValue(value); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if wait := time.Until(l.lastSent.Add(l.writePace)); wait > 0 {
		time.Sleep(wait)
	}
	l.lastSent = time.Now()

	err := l.client.SendJSONLine(wirePacket{
		Method:    "set",
		Name:      cloudPrefix + name,
		Value:     rawValue(value),
		User:      l.username,
		ProjectID: l.projectID,
	})
	if err != nil {
		return fmt.Errorf("cloudlink: failed to set %q: %w", name, err)
	}

	l.valuesMu.Lock()
	l.values[name] = value
	l.valuesMu.Unlock()
	return nil
}

// Value returns the cached value of a cloud variable for quick-access
// callers (gated on WithQuickAccess, the supplemented map-syntax feature).
func (l *Link) Value(name string) (string, error) {
	if !l.quickAccess {
		return "", ErrQuickAccessDisabled
	}
	l.valuesMu.RLock()
	defer l.valuesMu.RUnlock()
	v, ok := l.values[name]
	if !ok {
		return "", fmt.Errorf("cloudlink: no cached value for %q", name)
	}
	return v, nil
}

// SetValue is Set's quick-access counterpart.
func (l *Link) SetValue(name, value string) error {
	if !l.quickAccess {
		return ErrQuickAccessDisabled
	}
	return l.Set(name, value)
}

// State returns the link's current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// TurboWarp reports whether this link was constructed with WithTurboWarp,
// the larger-packet-size flavor pkg/cloudsocket sizes its fragments for.
func (l *Link) TurboWarp() bool {
	return l.turboWarp
}

// Close tears down the underlying WebSocket connection. Used by
// CloudSocket.Stop's cascading form.
func (l *Link) Close() {
	l.mu.Lock()
	client := l.client
	l.state = StateClosed
	l.mu.Unlock()

	if client != nil {
		client.Close()
	}
}
