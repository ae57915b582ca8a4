// Package cloudsocket implements C6: a small accept/send/recv surface on top
// of a CloudLink and its Framing pipeline, turning "new client appeared" and
// "client sent a complete message" into condition-variable-style blocking
// calls with timeouts, the way a conventional socket server's accept/recv
// would look.
//
// Grounded on scratchcommunication/cloud_socket.py's CloudSocket and
// CloudSocketConnection: listen()/on_packet wires pkg/framing into a
// CloudLink FROM_CLIENT subscription; accept()/recv() reproduce the
// original's threading.Condition-based wait-with-timeout loops; send()/
// _secure_send() reproduce its packet-splitting and TO_CLIENT_{1..4}
// rotation.
package cloudsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/cloudmux/bridge/pkg/cloudlink"
	"github.com/cloudmux/bridge/pkg/codec"
	"github.com/cloudmux/bridge/pkg/framing"
	"github.com/cloudmux/bridge/pkg/metrics"
)

// defaultPacketSize is the platform's own cloud-variable length cap,
// spec.md §4.6's "220 characters of decimal digits per TO_CLIENT slot".
const defaultPacketSize = 220

// turboWarpPacketSize is TurboWarp's much larger cloud-variable cap.
const turboWarpPacketSize = 98800

// toClientSlots is the number of rotating TO_CLIENT_N variables a
// CloudSocket writes outbound fragments to. Non-terminal fragments rotate
// through TO_CLIENT_1..4 in order; only a message's terminal fragment goes
// to a randomly chosen slot.
const toClientSlots = 4

// saltDigitWidth is the zero-padded width of an outbound secure fragment's
// trailing salt, matching pkg/framing's saltPrefixLen.
const saltDigitWidth = 15

var (
	// ErrTimeout is returned by Accept/ClientConnection.Recv when the
	// timeout elapses before a result is available.
	ErrTimeout = errors.New("cloudsocket: timed out waiting")
	// ErrStopped is returned by any blocking call once Stop has been
	// called.
	ErrStopped = errors.New("cloudsocket: stopped")
	// ErrFragmentTooSmall is returned by Send when the configured packet
	// size leaves no room for a secure fragment's encryption overhead.
	ErrFragmentTooSmall = errors.New("cloudsocket: packet size too small for a secure fragment")
)

// CloudSocket pairs a CloudLink transport with a Framing pipeline and turns
// newly-framed clients and their reassembled messages into a small
// accept/send/recv API.
type CloudSocket struct {
	link    *cloudlink.Link
	framing *framing.Framing

	packetSize int

	mu         sync.Mutex
	cond       *sync.Cond
	newClients []*ClientConnection
	clients    map[string]*ClientConnection
	stopped    bool
	updateGen  int64

	saltMu   sync.Mutex
	lastSalt int64
}

// Option configures a CloudSocket at construction time.
type Option func(*CloudSocket)

// WithPacketSize overrides the automatic platform/TurboWarp packet size
// choice, e.g. for a deployment behind a custom cloud-variable relay.
func WithPacketSize(n int) Option {
	return func(cs *CloudSocket) { cs.packetSize = n }
}

// New constructs a CloudSocket over link. agreement resolves secure
// handshakes (RSA or EC); pass nil if this deployment never accepts secure
// clients.
func New(link *cloudlink.Link, agreement framing.KeyAgreement, opts ...Option) *CloudSocket {
	cs := &CloudSocket{
		link:    link,
		framing: framing.New(agreement),
		clients: map[string]*ClientConnection{},
	}
	cs.cond = sync.NewCond(&cs.mu)

	if link.TurboWarp() {
		cs.packetSize = turboWarpPacketSize
	} else {
		cs.packetSize = defaultPacketSize
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// Listen installs Framing's reassembly pipeline as the handler for
// FROM_CLIENT cloud-variable writes, per spec.md §4.5/§4.6. It must be
// called before the underlying Link connects.
func (cs *CloudSocket) Listen() *CloudSocket {
	cs.framing.OnNewUser(cs.handleNewUser)
	cs.framing.OnMessage(cs.handleMessage)

	cs.link.On(cloudlink.EventSet, func(ev cloudlink.Event) {
		if ev.Name == "FROM_CLIENT" {
			cs.framing.HandlePacket(ev.Value)
		}
	})
	return cs
}

// HandleRawPacket feeds raw directly into the framing pipeline, the same
// path a live FROM_CLIENT cloud-variable write takes through Listen. It
// exists for callers that source framed packets some other way than a
// connected CloudLink — chiefly other packages' tests, which otherwise
// have no way to produce a ClientConnection without a live WebSocket.
func (cs *CloudSocket) HandleRawPacket(raw string) {
	cs.framing.HandlePacket(raw)
}

func (cs *CloudSocket) handleNewUser(entry *framing.ClientEntry) {
	conn := &ClientConnection{ID: entry.ID, traceID: shortuuid.New(), entry: entry, socket: cs}
	conn.cond = sync.NewCond(&conn.mu)

	cs.mu.Lock()
	cs.clients[entry.ID] = conn
	cs.newClients = append(cs.newClients, conn)
	cs.updateGen++
	cs.cond.Broadcast()
	cs.mu.Unlock()

	slog.Default().Debug("cloudsocket: accepted new client",
		slog.String("client_id", entry.ID), slog.String("trace_id", conn.traceID))
}

func (cs *CloudSocket) handleMessage(clientID, message string) {
	cs.mu.Lock()
	conn, ok := cs.clients[clientID]
	if ok {
		cs.updateGen++
		cs.cond.Broadcast()
	}
	cs.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.queue = append(conn.queue, message)
	conn.cond.Broadcast()
	conn.mu.Unlock()

	metrics.IncrementMessageCounter(slog.Default(), time.Now(), clientID, len(message))
}

// Wait blocks until some client-visible change has happened (a new client
// accepted, or a message delivered to any client), the socket is stopped,
// or timeout elapses — whichever comes first. It reports whether the
// socket was stopped. This is the "any_update" condition variable from
// spec.md §5's concurrency model, used by pkg/requesthandler's dispatch
// loop to avoid busy-polling every client.
func (cs *CloudSocket) Wait(ctx context.Context, timeout time.Duration) (stopped bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	startGen := cs.updateGen
	_ = waitForCond(ctx, cs.cond, timeout, func() bool {
		return cs.updateGen != startGen || cs.stopped
	})
	return cs.stopped
}

// Accept blocks until a new client has completed its connect handshake
// (plain or secure), the context is cancelled, or timeout elapses (zero
// means wait indefinitely). Clients are handed out in arrival order.
func (cs *CloudSocket) Accept(ctx context.Context, timeout time.Duration) (*ClientConnection, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	err := waitForCond(ctx, cs.cond, timeout, func() bool {
		return len(cs.newClients) > 0 || cs.stopped
	})
	if err != nil {
		return nil, err
	}
	if cs.stopped {
		return nil, ErrStopped
	}

	conn := cs.newClients[0]
	cs.newClients = cs.newClients[1:]
	return conn, nil
}

// Client looks up a previously-accepted connection by id.
func (cs *CloudSocket) Client(id string) (*ClientConnection, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	conn, ok := cs.clients[id]
	return conn, ok
}

// Stop halts the CloudSocket: every blocked Accept/Recv call returns
// ErrStopped. If cascade is true, the underlying CloudLink connection is
// also closed.
func (cs *CloudSocket) Stop(cascade bool) {
	cs.mu.Lock()
	cs.stopped = true
	cs.cond.Broadcast()
	conns := make([]*ClientConnection, 0, len(cs.clients))
	for _, conn := range cs.clients {
		conns = append(conns, conn)
	}
	cs.mu.Unlock()

	for _, conn := range conns {
		conn.mu.Lock()
		conn.cond.Broadcast()
		conn.mu.Unlock()
	}

	if cascade {
		cs.link.Close()
	}
}

// ClientConnection is one accepted client: its identity, its framing
// entry (plain or secure), and an inbound message queue.
type ClientConnection struct {
	ID string
	// traceID correlates this client's log lines across its lifetime; it
	// has no wire meaning, generated locally the same way internal/session
	// mints a TraceID for a login session.
	traceID string
	entry   *framing.ClientEntry
	socket  *CloudSocket

	mu    sync.Mutex
	cond  *sync.Cond
	queue []string

	sendMu sync.Mutex
}

// Secure reports whether this client completed a secure handshake.
func (c *ClientConnection) Secure() bool { return c.entry.Secure }

// Recv blocks until a complete message has arrived from this client, the
// context is cancelled, the CloudSocket is stopped, or timeout elapses.
func (c *ClientConnection) Recv(ctx context.Context, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := waitForCond(ctx, c.cond, timeout, func() bool {
		return len(c.queue) > 0 || c.socket.isStopped()
	})
	if err != nil {
		return "", err
	}
	if c.socket.isStopped() {
		return "", ErrStopped
	}

	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

func (cs *CloudSocket) isStopped() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.stopped
}

// Send writes message to this client, splitting it across as many
// TO_CLIENT_N fragments as its length requires, encrypting each one first
// if this client is secure.
func (c *ClientConnection) Send(message string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.entry.Secure {
		return c.socket.secureSend(c, message)
	}
	return c.socket.plainSend(c, message)
}

func (cs *CloudSocket) plainSend(conn *ClientConnection, message string) error {
	digits := codec.Encode(message)
	chunks := chunkString(digits, cs.packetSize)

	for i, chunk := range chunks {
		terminal := i == len(chunks)-1
		if err := cs.writeFragment(conn, chunk, terminal, i); err != nil {
			return err
		}
	}
	return nil
}

func (cs *CloudSocket) secureSend(conn *ClientConnection, message string) error {
	unit := cs.packetSize/2 - 28 // cipher header + end-marker + trailing salt overhead, per the original's packet_size//2-28
	if unit <= 0 {
		return ErrFragmentTooSmall
	}

	pieces := chunkRunes([]rune(message), unit)
	for i, piece := range pieces {
		terminal := i == len(pieces)-1

		salt := cs.nextSalt()
		cipherText, err := conn.entry.Encrypt(string(piece), salt)
		if err != nil {
			return fmt.Errorf("cloudsocket: failed to encrypt fragment: %w", err)
		}

		// codec.Encode always prefixes a leading marker digit meant for a
		// whole decoded message; this fragment is only part of one, so the
		// marker is stripped before appending the salt trailer.
		digits := codec.Encode(cipherText)[1:]
		saltDigits := fmt.Sprintf("%0*d", saltDigitWidth, salt)

		if err := cs.writeFragment(conn, digits+saltDigits, terminal, i); err != nil {
			return err
		}
	}
	return nil
}

// writeFragment encodes one outbound packet: sign, payload, and a trailer
// of clientID + a 3-digit nonce + the fragment index, written to a
// TO_CLIENT_N slot per spec.md §4.6. Continuation fragments rotate through
// the slots deterministically (index % toClientSlots + 1); only the
// terminal fragment picks its slot at random, matching the original's
// `send()`/`_secure_send()` (`var = var % 4 + 1` for every part but the
// last, random only for the last).
func (cs *CloudSocket) writeFragment(conn *ClientConnection, payload string, terminal bool, index int) error {
	var value strings.Builder
	if !terminal {
		value.WriteByte('-')
	}
	value.WriteString(payload)
	value.WriteByte('.')
	value.WriteString(conn.ID)
	value.WriteString(randomDigits(3))
	value.WriteString(strconv.Itoa(index))

	slot := index%toClientSlots + 1
	if terminal {
		slot = rand.Intn(toClientSlots) + 1
	}
	varName := fmt.Sprintf("TO_CLIENT_%d", slot)
	if err := cs.link.Set(varName, value.String()); err != nil {
		return fmt.Errorf("cloudsocket: failed to send to %s: %w", conn.ID, err)
	}
	return nil
}

// nextSalt returns a 15-digit centisecond salt strictly greater than the
// last one this socket issued, so concurrent or back-to-back fragments
// from the same send never collide (spec.md §8's monotonic-salt property
// applies to sends as much as to the receive side it's usually framed as).
func (cs *CloudSocket) nextSalt() int64 {
	cs.saltMu.Lock()
	defer cs.saltMu.Unlock()

	now := time.Now()
	salt := now.Unix()*100 + int64(now.Nanosecond()/1e7)
	if salt <= cs.lastSalt {
		salt = cs.lastSalt + 1
	}
	cs.lastSalt = salt
	return salt
}

func chunkString(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var chunks []string
	for len(s) > 0 {
		n := size
		if n > len(s) {
			n = len(s)
		}
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}

func chunkRunes(r []rune, size int) [][]rune {
	if size <= 0 || len(r) <= size {
		return [][]rune{r}
	}
	var chunks [][]rune
	for len(r) > 0 {
		n := size
		if n > len(r) {
			n = len(r)
		}
		chunks = append(chunks, r[:n])
		r = r[n:]
	}
	return chunks
}

func randomDigits(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rand.Intn(10)))
	}
	return b.String()
}

// waitForCond blocks on cond (whose lock the caller must already hold)
// until pred reports true, ctx is cancelled, or timeout elapses (zero
// means no timeout). It mirrors the wait-with-deadline shape of
// threading.Condition.wait(timeout) that the original's accept()/recv()
// are built on.
func waitForCond(ctx context.Context, cond *sync.Cond, timeout time.Duration, pred func() bool) error {
	if pred() {
		return nil
	}

	done := make(chan struct{})
	defer close(done)

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		})
		defer timer.Stop()
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cond.L.Lock()
				cond.Broadcast()
				cond.L.Unlock()
			case <-done:
			}
		}()
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for !pred() {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ErrTimeout
		}
		cond.Wait()
	}
	return nil
}
