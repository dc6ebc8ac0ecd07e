// Package gateway terminates extension websockets. It authenticates each
// connection, registers it, decodes inbound frames and routes them to the
// presence directory, the call session manager and the queue call bridge.
// One goroutine reads each connection and dispatches its messages in order;
// a second goroutine owns all writes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

const (
	// DefaultAuthTimeout bounds how long an unauthenticated socket may stay
	// open waiting for its auth frame.
	DefaultAuthTimeout = 10 * time.Second

	// reasonOverflow closes a connection whose send queue is full.
	reasonOverflow = "send queue overflow"
)

// Registrar installs and removes live connections.
type Registrar interface {
	Register(c registry.Conn)
	Release(c registry.Conn, reason string) bool
}

// Presence serves presence snapshots.
type Presence interface {
	Snapshot(ctx context.Context, tenantID int64, excluding string) ([]protocol.PresenceEntry, error)
}

// Calls handles direct call requests. Each method reports its own result to
// the requesting connection.
type Calls interface {
	Initiate(ctx context.Context, from registry.Conn, calleeID, offer string) (string, error)
	Answer(from registry.Conn, callID, answer string) error
	Reject(from registry.Conn, callID string) error
	RelayICE(from registry.Conn, callID string, candidate json.RawMessage) error
	Hangup(from registry.Conn, callID string) error
}

// QueueCalls handles agent requests on queue calls.
type QueueCalls interface {
	Accept(from registry.Conn, queueCallID string) error
	Reject(from registry.Conn, queueCallID string) error
	Hangup(from registry.Conn, queueCallID string) error
}

// Config tunes the gateway.
type Config struct {
	AuthTimeout    time.Duration
	MessageRate    float64
	MessageBurst   int
	ValidateSDP    bool
	AllowedOrigins []string
}

// Gateway is the websocket endpoint for extensions.
type Gateway struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	registry Registrar
	presence Presence
	calls    Calls
	queue    QueueCalls
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a gateway.
func New(auth Authenticator, reg Registrar, presence Presence, calls Calls, queue QueueCalls, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	return &Gateway{
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		auth:     auth,
		registry: reg,
		presence: presence,
		calls:    calls,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.With("subsystem", "gateway"),
	}
}

// makeUpgrader creates a websocket upgrader with origin checking. Requests
// without an Origin header come from non-browser clients and are allowed.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A token may come from the Authorization header, the token query parameter,
// or a first auth frame sent after the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	var (
		identity registry.Identity
		err      error
	)
	if token != "" {
		identity, err = g.auth.Authenticate(r.Context(), token)
		if err != nil {
			g.rejectHTTP(w, err)
			return
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(2 * protocol.MaxFrameSize)

	if token == "" {
		identity, err = g.awaitAuth(r.Context(), ws)
		if err != nil {
			g.rejectWS(ws, err)
			return
		}
	}

	g.wg.Add(1)
	defer g.wg.Done()
	g.serve(r.Context(), ws, identity)
}

// Wait blocks until every served connection has returned.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// awaitAuth reads the first frame, which must be an auth message, within the
// configured timeout.
func (g *Gateway) awaitAuth(ctx context.Context, ws *websocket.Conn) (registry.Identity, error) {
	ws.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return registry.Identity{}, protocol.ErrAuthenticationFailed.WithMessage("no auth frame received")
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return registry.Identity{}, protocol.ErrAuthenticationFailed.WithMessage("first frame must be auth")
	}
	auth, ok := msg.(*protocol.Auth)
	if !ok {
		return registry.Identity{}, protocol.ErrAuthenticationFailed.WithMessage("first frame must be auth")
	}
	return g.auth.Authenticate(ctx, auth.Token)
}

func (g *Gateway) rejectHTTP(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if !isAuthFailure(err) {
		g.logger.Error("authentication error", "error", err)
		status = http.StatusInternalServerError
	}
	code, msg := protocol.CodeOf(err)
	data, _ := protocol.Encode(protocol.ErrorEvent{Code: code, Message: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data) //nolint:errcheck
}

func (g *Gateway) rejectWS(ws *websocket.Conn, err error) {
	defer ws.Close()
	if !isAuthFailure(err) {
		g.logger.Error("authentication error", "error", err)
	} else {
		g.logger.Info("websocket authentication failed", "error", err)
	}
	code, msg := protocol.CodeOf(err)
	deadline := time.Now().Add(writeWait)
	if data, encErr := protocol.Encode(protocol.ErrorEvent{Code: code, Message: msg}); encErr == nil {
		ws.SetWriteDeadline(deadline)
		ws.WriteMessage(websocket.TextMessage, data)
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
}

func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn, identity registry.Identity) {
	var limiter *rate.Limiter
	if g.cfg.MessageRate > 0 {
		burst := g.cfg.MessageBurst
		if burst <= 0 {
			burst = max(1, int(g.cfg.MessageRate))
		}
		limiter = rate.NewLimiter(rate.Limit(g.cfg.MessageRate), burst)
	}

	c := newConn(ws, identity, limiter)
	logger := g.logger.With("extension", identity.Extension, "conn_id", c.id)

	// registered goes out ahead of anything the registry swap may queue.
	c.Send(protocol.Registered{ExtensionID: identity.Extension, DisplayName: identity.DisplayName})

	go c.writePump()
	g.registry.Register(c)
	logger.Info("extension connected")

	g.readPump(ctx, c, logger)

	if g.registry.Release(c, registry.ReasonDisconnected) {
		logger.Info("extension disconnected")
	}
	c.Close(registry.ReasonDisconnected)
}

func (g *Gateway) readPump(ctx context.Context, c *conn, logger *slog.Logger) {
	ws := c.ws
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		// Refused call and queue requests still get their own result so the
		// client can settle pending operations in order.
		if !c.allow() {
			c.Send(protocol.Rejection(data, protocol.CodeRateLimited, "too many messages"))
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Debug("malformed frame", "error", err)
			c.Send(protocol.Rejection(data, protocol.CodeMalformed, err.Error()))
			continue
		}

		g.dispatch(ctx, c, msg, logger)
	}
}

// dispatch routes one decoded message. A panic in a handler is reported to
// the sender and does not take down the read loop.
func (g *Gateway) dispatch(ctx context.Context, c *conn, msg protocol.Inbound, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic handling message", "panic", rec, "stack", string(debug.Stack()))
			c.Send(protocol.ErrorEvent{Code: protocol.CodeInternal, Message: "internal error"})
		}
	}()

	var err error
	switch m := msg.(type) {
	case *protocol.Auth:
		c.Send(protocol.ErrorEvent{Code: protocol.CodeMalformed, Message: "already authenticated"})

	case *protocol.GetPresence:
		g.sendSnapshot(ctx, c, logger)

	case *protocol.CallInitiate:
		if g.cfg.ValidateSDP {
			if verr := validateSDP(m.Offer); verr != nil {
				c.Send(protocol.CallResult{Op: protocol.OpInitiate, Error: protocol.CodeMalformed, Message: verr.Error()})
				return
			}
		}
		_, err = g.calls.Initiate(ctx, c, m.CalleeID, m.Offer)

	case *protocol.CallAnswer:
		if g.cfg.ValidateSDP {
			if verr := validateSDP(m.Answer); verr != nil {
				c.Send(protocol.CallResult{Op: protocol.OpAnswer, CallID: m.CallID, Error: protocol.CodeMalformed, Message: verr.Error()})
				return
			}
		}
		err = g.calls.Answer(c, m.CallID, m.Answer)

	case *protocol.CallReject:
		err = g.calls.Reject(c, m.CallID)

	case *protocol.CallICE:
		err = g.calls.RelayICE(c, m.CallID, m.Candidate)

	case *protocol.CallHangup:
		err = g.calls.Hangup(c, m.CallID)

	case *protocol.QueueAccept:
		err = g.queue.Accept(c, m.QueueCallID)

	case *protocol.QueueReject:
		err = g.queue.Reject(c, m.QueueCallID)

	case *protocol.QueueHangup:
		err = g.queue.Hangup(c, m.QueueCallID)

	default:
		c.Send(protocol.ErrorEvent{Code: protocol.CodeMalformed, Message: "unsupported message"})
	}

	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			logger.Debug("request declined", "code", perr.Code, "message", perr.Message)
		} else {
			logger.Error("request failed", "error", err)
		}
	}
}

func (g *Gateway) sendSnapshot(ctx context.Context, c *conn, logger *slog.Logger) {
	id := c.Identity()
	entries, err := g.presence.Snapshot(ctx, id.TenantID, id.Extension)
	if err != nil {
		logger.Error("presence snapshot failed", "error", err)
		c.Send(protocol.ErrorEvent{Code: protocol.CodeInternal, Message: "presence unavailable"})
		return
	}
	c.Send(protocol.PresenceSnapshot{Extensions: entries})
}
