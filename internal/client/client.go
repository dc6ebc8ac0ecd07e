// Package client is the extension side of the signaling protocol. It keeps a
// mirror of the server-authoritative call and queue call states, reconnects
// on a fixed backoff when the transport drops and refreshes presence after
// every reconnect. Media is out of scope; offers, answers and candidates are
// opaque strings supplied by the caller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/pbxsignal/internal/protocol"
)

const (
	// DefaultBackoff is the fixed delay between reconnect attempts.
	DefaultBackoff = 2 * time.Second

	// DefaultSnapshotTimeout bounds how long readiness waits for the first
	// presence snapshot after registering.
	DefaultSnapshotTimeout = 5 * time.Second

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// closeSuperseded is the close code the server uses when a newer
	// connection for the same extension took over.
	closeSuperseded = 4000
)

var (
	// ErrAuthFailed is returned by Run when the server refuses the token.
	// Retrying with the same token cannot succeed.
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrSuperseded is returned by Run after another connection for the same
	// extension replaced this one.
	ErrSuperseded = errors.New("client: superseded by another connection")

	// ErrNotRegistered is returned by requests made while disconnected.
	ErrNotRegistered = errors.New("client: not registered")
)

// State is the connection state of the client.
type State string

const (
	StateUnregistered State = "unregistered"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateClosed       State = "closed"
)

// CallState is the local view of a direct call.
type CallState string

const (
	CallCalling   CallState = "calling"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
)

// Call is a direct call as this extension sees it.
type Call struct {
	ID       string
	Peer     string
	Outgoing bool
	State    CallState
}

// QueueState is the local view of a queue call.
type QueueState string

const (
	QueueOffered   QueueState = "offered"
	QueueTaken     QueueState = "taken"
	QueueConnected QueueState = "connected"
)

// QueueOffer is a queue call offered to or held by this extension.
type QueueOffer struct {
	ID           string
	CallerNumber string
	QueueID      string
	State        QueueState
}

// ReasonConnectionLost ends local calls when the transport drops.
const ReasonConnectionLost protocol.Reason = "connection_lost"

// Options tunes a Client.
type Options struct {
	Backoff          time.Duration
	SnapshotTimeout  time.Duration
	HandshakeTimeout time.Duration
	OnNotice         func(Notice)
	Logger           *slog.Logger
}

// Client is one extension's signaling connection.
type Client struct {
	url    string
	token  string
	opts   Options
	dialer websocket.Dialer
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	identity      protocol.Registered
	ws            *websocket.Conn
	presence      map[string]protocol.PresenceEntry
	presenceFresh bool
	calls         map[string]*Call
	offers        map[string]*QueueOffer
	pendingDials  []string
	ready         *Join[protocol.Registered, protocol.PresenceSnapshot]

	dialMu  sync.Mutex
	writeMu sync.Mutex
}

// New creates a client for the websocket endpoint at url, authenticating
// with token.
func New(url, token string, opts Options) *Client {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.OnNotice == nil {
		opts.OnNotice = func(Notice) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		token:    token,
		opts:     opts,
		dialer:   websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger:   logger.With("subsystem", "client"),
		state:    StateUnregistered,
		presence: make(map[string]protocol.PresenceEntry),
		calls:    make(map[string]*Call),
		offers:   make(map[string]*QueueOffer),
	}
}

// Run connects and keeps the client connected until ctx is done, the token
// is refused, or the connection is superseded.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateClosed)
	for {
		err := c.session(ctx)
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrSuperseded) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("connection lost, reconnecting", "error", err, "backoff", c.opts.Backoff)

		t := time.NewTimer(c.opts.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection from dial to close.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.setState(StateUnregistered)
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrAuthFailed
		}
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	ws.SetReadLimit(4 * protocol.MaxFrameSize)

	ready := NewJoin(c.opts.SnapshotTimeout, func(reg protocol.Registered, _ bool, _ protocol.PresenceSnapshot, fresh bool) {
		c.emit(Notice{Kind: NoticeReady, Peer: reg.ExtensionID, Fresh: fresh})
	})

	c.mu.Lock()
	c.ws = ws
	c.ready = ready
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	err = c.readLoop(ws)
	ws.Close()
	c.teardown(ws)
	return err
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch {
				case ce.Code == closeSuperseded:
					return ErrSuperseded
				case ce.Code == websocket.ClosePolicyViolation && !c.registered():
					return ErrAuthFailed
				}
			}
			return err
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			c.logger.Warn("ignoring undecodable frame", "error", err)
			continue
		}
		if err := c.handle(ev); err != nil {
			return err
		}
	}
}

// teardown drops every piece of state tied to the closed connection. Cached
// presence is not trusted across a reconnect.
func (c *Client) teardown(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.ready != nil {
		c.ready.Cancel()
		c.ready = nil
	}
	if c.state != StateClosed {
		c.state = StateUnregistered
	}
	c.presence = make(map[string]protocol.PresenceEntry)
	c.presenceFresh = false

	var notices []Notice
	for _, call := range sortedCalls(c.calls) {
		notices = append(notices, Notice{Kind: NoticeCallEnded, CallID: call.ID, Peer: call.Peer, Reason: ReasonConnectionLost})
	}
	for _, peer := range c.pendingDials {
		notices = append(notices, Notice{Kind: NoticeCallFailed, Peer: peer, Code: protocol.CodePeerDisconnected})
	}
	for _, o := range sortedOffers(c.offers) {
		notices = append(notices, Notice{Kind: NoticeQueueEnded, QueueCallID: o.ID, Reason: ReasonConnectionLost})
	}
	c.calls = make(map[string]*Call)
	c.offers = make(map[string]*QueueOffer)
	c.pendingDials = nil
	c.mu.Unlock()

	for _, n := range notices {
		c.emit(n)
	}
	c.emit(Notice{Kind: NoticeDisconnected})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRegistered
}

func (c *Client) emit(n Notice) {
	c.opts.OnNotice(n)
}

// send writes one request. gorilla connections allow a single concurrent
// writer, so writes are serialized.
func (c *Client) send(msg protocol.Inbound) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if ws == nil || state != StateRegistered {
		return ErrNotRegistered
	}

	data, err := protocol.EncodeInbound(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %T: %w", msg, err)
	}
	return nil
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the registered extension. It is zero before the first
// registration.
func (c *Client) Identity() protocol.Registered {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Presence returns the cached presence list, sorted by extension, and whether
// it came from a snapshot on the current connection.
func (c *Client) Presence() ([]protocol.PresenceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PresenceEntry, 0, len(c.presence))
	for _, e := range c.presence {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out, c.presenceFresh
}

// Calls returns the live direct calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, 0, len(c.calls))
	for _, call := range sortedCalls(c.calls) {
		out = append(out, *call)
	}
	return out
}

// Call returns one live call.
func (c *Client) Call(id string) (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[id]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

// QueueOffers returns the queue calls offered to or held by this extension.
func (c *Client) QueueOffers() []QueueOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueueOffer, 0, len(c.offers))
	for _, o := range sortedOffers(c.offers) {
		out = append(out, *o)
	}
	return out
}

// RequestPresence asks for a fresh presence snapshot.
func (c *Client) RequestPresence() error {
	return c.send(&protocol.GetPresence{})
}

// Dial calls another extension. The outcome arrives as NoticeCallFailed or,
// once the server assigned a call ID, as a call in state calling.
func (c *Client) Dial(calleeID, offer string) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	c.pendingDials = append(c.pendingDials, calleeID)
	c.mu.Unlock()

	if err := c.send(&protocol.CallInitiate{CalleeID: calleeID, Offer: offer}); err != nil {
		c.mu.Lock()
		if n := len(c.pendingDials); n > 0 && c.pendingDials[n-1] == calleeID {
			c.pendingDials = c.pendingDials[:n-1]
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Answer accepts a ringing incoming call.
func (c *Client) Answer(callID, answer string) error {
	return c.send(&protocol.CallAnswer{CallID: callID, Answer: answer})
}

// Reject declines a ringing incoming call.
func (c *Client) Reject(callID string) error {
	return c.send(&protocol.CallReject{CallID: callID})
}

// SendICE relays a local candidate to the other participant.
func (c *Client) SendICE(callID string, candidate json.RawMessage) error {
	return c.send(&protocol.CallICE{CallID: callID, Candidate: candidate})
}

// Hangup ends a call.
func (c *Client) Hangup(callID string) error {
	return c.send(&protocol.CallHangup{CallID: callID})
}

// AcceptQueue claims an offered queue call.
func (c *Client) AcceptQueue(queueCallID string) error {
	return c.send(&protocol.QueueAccept{QueueCallID: queueCallID})
}

// RejectQueue declines an offered queue call.
func (c *Client) RejectQueue(queueCallID string) error {
	return c.send(&protocol.QueueReject{QueueCallID: queueCallID})
}

// HangupQueue ends a queue call this extension holds.
func (c *Client) HangupQueue(queueCallID string) error {
	return c.send(&protocol.QueueHangup{QueueCallID: queueCallID})
}

func sortedCalls(m map[string]*Call) []*Call {
	out := make([]*Call, 0, len(m))
	for _, call := range m {
		out = append(out, call)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedOffers(m map[string]*QueueOffer) []*QueueOffer {
	out := make([]*QueueOffer, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
