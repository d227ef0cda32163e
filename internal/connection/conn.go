// Package connection owns one physical socket to a broker gateway: the
// multi-phase handshake, heartbeat, pending-message queue and reconnection
// backoff for a single (broker, account) pair.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"

	"sync-core/internal/protocol"
	"sync-core/pkg/creds"
)

// Socket is the minimal transport surface, satisfied by *websocket.Conn and
// by fakes in tests.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Socket. The default wraps gorilla's DialContext.
type Dialer func(ctx context.Context, urlStr string, header http.Header) (Socket, error)

func defaultDialer(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	sock, _, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// SessionStore persists resumption tokens between connects.
type SessionStore interface {
	SessionID(ctx context.Context, connKey string) (string, error)
	SaveSessionID(ctx context.Context, connKey, sessionID string) error
	DeleteSession(ctx context.Context, connKey string) error
}

// Config parameterizes one connection.
type Config struct {
	BrokerID    string
	AccountID   string
	Environment string
	URL         string
	SessionKey  string // key under which the resumption token is stored

	Credentials creds.Provider
	DeviceID    string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int
	PendingLimit      int

	Dialer Dialer
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 120 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 256
	}
	if c.Dialer == nil {
		c.Dialer = defaultDialer
	}
	if c.SessionKey == "" {
		c.SessionKey = c.BrokerID + ":" + c.AccountID
	}
}

// MessageHandler receives every decoded data frame.
type MessageHandler func(env protocol.Envelope)

// StateHandler observes state transitions; err is non-nil on ERROR and on
// DISCONNECTED caused by a failure.
type StateHandler func(s State, err error)

// Conn is one logical connection through its lifecycle, reconnections
// included. A Conn is single-use: after Disconnect it cannot be reused.
type Conn struct {
	cfg    Config
	store  SessionStore
	logger *slog.Logger

	onMessage MessageHandler
	onState   StateHandler

	closed chan struct{} // closed exactly once by Disconnect

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastErr      error
	sock         Socket
	pending      deque.Deque[[]byte]
	manual       bool
	reconnecting bool
	awaitingPong bool
	pongTimer    *time.Timer
	hbStop       chan struct{}
	downCause    error // recorded before a deliberate socket close
}

// New builds a connection. Handlers may be nil.
func New(cfg Config, store SessionStore, logger *slog.Logger, onMessage MessageHandler, onState StateHandler) *Conn {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("broker", cfg.BrokerID, "account", cfg.AccountID),
		onMessage: onMessage,
		onState:   onState,
		closed:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent terminal error, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// BrokerID returns the broker this connection targets.
func (c *Conn) BrokerID() string { return c.cfg.BrokerID }

// AccountID returns the account this connection serves.
func (c *Conn) AccountID() string { return c.cfg.AccountID }

// Environment returns the gateway environment.
func (c *Conn) Environment() string { return c.cfg.Environment }

// Connect drives the handshake until READY, retrying retriable failures with
// exponential backoff. It returns ErrHandshakeTimeout once the overall
// ceiling elapses and ErrDisconnected if Disconnect is called meanwhile.
func (c *Conn) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.runHandshake(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDisconnected) {
			c.setState(StateDisconnected, nil)
			return err
		}
		lastErr = err
		if !IsRetriable(err) || attempt+1 >= c.cfg.MaxReconnects {
			break
		}
		c.setState(StateReconnecting, nil)
		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			c.setState(StateError, ErrHandshakeTimeout)
			return ErrHandshakeTimeout
		case <-c.closed:
			c.setState(StateDisconnected, nil)
			return ErrDisconnected
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		lastErr = ErrHandshakeTimeout
	}
	c.setState(StateError, lastErr)
	return lastErr
}

// Send transmits immediately when READY. While a handshake or reconnect is
// in flight on an open socket the message is queued and flushed on READY;
// with no socket at all the send fails.
func (c *Conn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return ErrSocketClosed
	}
	sock := c.sock
	if c.state != StateReady {
		if sock == nil {
			c.mu.Unlock()
			return ErrSocketClosed
		}
		if c.pending.Len() >= c.cfg.PendingLimit {
			c.pending.PopFront()
		}
		c.pending.PushBack(data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeRaw(sock, data)
}

// Disconnect closes the socket, cancels every timer and suppresses
// auto-reconnect. It is idempotent.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return nil
	}
	c.manual = true
	sock := c.sock
	c.sock = nil
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()

	close(c.closed)
	if sock != nil {
		_ = sock.Close()
	}
	c.setState(StateDisconnected, nil)
	return nil
}

// runHandshake performs one dial-and-handshake attempt.
func (c *Conn) runHandshake(ctx context.Context) error {
	token, err := c.cfg.Credentials.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	sock, err := c.cfg.Dialer(ctx, c.dialURL(ctx), header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	ready := make(chan struct{})
	fail := make(chan error, 1)

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrDisconnected
	}
	c.sock = sock
	c.pending.Clear()
	c.mu.Unlock()
	c.setState(StateConnecting, nil)

	go c.readLoop(sock, ready, fail)

	select {
	case <-ready:
		return nil
	case err := <-fail:
		_ = sock.Close()
		return err
	case <-ctx.Done():
		_ = sock.Close()
		return ErrHandshakeTimeout
	case <-c.closed:
		_ = sock.Close()
		return ErrDisconnected
	}
}

// dialURL attaches account, environment, device and resumption parameters.
func (c *Conn) dialURL(ctx context.Context) string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("account_id", c.cfg.AccountID)
	if c.cfg.Environment != "" {
		q.Set("environment", c.cfg.Environment)
	}
	if c.cfg.DeviceID != "" {
		q.Set("device_id", c.cfg.DeviceID)
	}
	if c.store != nil {
		if sid, err := c.store.SessionID(ctx, c.cfg.SessionKey); err == nil && sid != "" {
			q.Set("session_id", sid)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Conn) readLoop(sock Socket, ready chan struct{}, fail chan error) {
	becameReady := false
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.handleSocketDown(becameReady, fail, fmt.Errorf("read: %w", err))
			return
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			c.logger.Warn("dropping undecodable frame", "err", derr)
			continue
		}
		if c.handleFrame(env, sock, fail) && !becameReady {
			becameReady = true
			c.becomeReady(sock)
			close(ready)
		}
	}
}

// handleFrame processes one inbound frame; its return value reports whether
// the frame completed the handshake.
func (c *Conn) handleFrame(env protocol.Envelope, sock Socket, fail chan error) bool {
	switch env.Type {
	case protocol.TypeConnectionTest:
		// The gateway checks liveness before the handshake finishes; it
		// expects an immediate echo.
		c.writeJSON(sock, protocol.ConnectionTestResponseMsg())

	case protocol.TypePing:
		c.writeJSON(sock, protocol.PongMsg())

	case protocol.TypePong:
		c.pongReceived()

	case protocol.TypeConnectionEstab:
		c.setState(StateValidatingUser, nil)

	case protocol.TypeValidationProgress:
		var msg protocol.ValidationProgress
		if err := json.Unmarshal(env.Raw, &msg); err == nil {
			if st, ok := phaseFor(msg.Status); ok {
				c.setState(st, nil)
			}
		}

	case protocol.TypeConnectionState:
		var msg protocol.ConnectionState
		if err := json.Unmarshal(env.Raw, &msg); err != nil {
			return false
		}
		if msg.Error != "" || msg.State == "error" {
			rej := c.classifyRejection(msg)
			failNonBlocking(fail, rej)
			_ = sock.Close()
			return false
		}
		if st, ok := phaseFor(msg.State); ok {
			if st == StateReady {
				return true
			}
			c.setState(st, nil)
		}

	case protocol.TypeSessionInfo:
		var msg protocol.SessionInfo
		if err := json.Unmarshal(env.Raw, &msg); err == nil && msg.SessionID != "" && c.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.store.SaveSessionID(ctx, c.cfg.SessionKey, msg.SessionID); err != nil {
				c.logger.Warn("persist session id", "err", err)
			}
			cancel()
		}

	case protocol.TypeConnectionReady:
		return true

	case protocol.TypeUserData:
		// Initial data sync completes the handshake.
		c.forward(env)
		return true

	default:
		c.forward(env)
	}
	return false
}

func (c *Conn) classifyRejection(msg protocol.ConnectionState) error {
	text := msg.Error
	if text == "" {
		text = msg.Message
	}
	switch msg.State {
	case "auth_failed", "unauthorized":
		return fmt.Errorf("%w: %s", ErrAuthentication, text)
	}
	return &ServerRejection{Phase: msg.State, Message: text, Fatal: false}
}

func (c *Conn) forward(env protocol.Envelope) {
	if c.onMessage == nil {
		return
	}
	// A malformed payload must not take the read loop down with it.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", "type", env.Type, "panic", r)
		}
	}()
	c.onMessage(env)
}

// becomeReady flips to READY, resets the reconnect budget, flushes the
// pending queue and starts the heartbeat.
func (c *Conn) becomeReady(sock Socket) {
	c.mu.Lock()
	var queued [][]byte
	for c.pending.Len() > 0 {
		queued = append(queued, c.pending.PopFront())
	}
	if c.hbStop != nil {
		close(c.hbStop)
	}
	hbStop := make(chan struct{})
	c.hbStop = hbStop
	c.reconnecting = false
	c.mu.Unlock()

	c.setState(StateReady, nil)
	for _, data := range queued {
		if err := c.writeRaw(sock, data); err != nil {
			c.logger.Warn("flush pending message", "err", err)
			break
		}
	}
	go c.heartbeat(sock, hbStop)
}

func (c *Conn) heartbeat(sock Socket, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeJSON(sock, protocol.PingMsg()); err != nil {
				return
			}
			c.armPongTimer(sock)
		}
	}
}

func (c *Conn) armPongTimer(sock Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awaitingPong {
		return
	}
	c.awaitingPong = true
	c.pongTimer = time.AfterFunc(c.cfg.PongWait, func() {
		c.mu.Lock()
		expired := c.awaitingPong
		c.awaitingPong = false
		if expired {
			c.downCause = ErrPongTimeout
		}
		c.mu.Unlock()
		if expired {
			c.logger.Warn("heartbeat missed, closing socket", "reason", ErrPongTimeout)
			_ = sock.Close()
		}
	})
}

func (c *Conn) pongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingPong = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// handleSocketDown runs when the read loop exits. Pre-READY failures are
// reported to the waiting handshake; post-READY drops schedule reconnection.
func (c *Conn) handleSocketDown(becameReady bool, fail chan error, err error) {
	c.mu.Lock()
	manual := c.manual
	// A close we initiated ourselves (missed pong) carries its own reason;
	// the read error it provokes is just noise.
	if c.downCause != nil {
		err = c.downCause
		c.downCause = nil
	}
	c.sock = nil
	c.awaitingPong = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()

	if manual {
		return
	}
	if !becameReady {
		failNonBlocking(fail, err)
		return
	}

	c.setState(StateDisconnected, err)

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	go c.reconnectLoop()
}

func (c *Conn) reconnectLoop() {
	// becomeReady clears the reconnecting flag on success; every failure
	// path clears it here before the loop exits.
	unset := func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}

	for attempt := 0; attempt < c.cfg.MaxReconnects; attempt++ {
		c.setState(StateReconnecting, nil)
		select {
		case <-time.After(c.backoff(attempt)):
		case <-c.closed:
			unset()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.runHandshake(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrDisconnected) {
			unset()
			return
		}
		if !IsRetriable(err) {
			unset()
			c.setState(StateError, err)
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "err", err)
	}
	unset()
	c.setState(StateError, ErrMaxReconnects)
}

func (c *Conn) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.ReconnectBase) * math.Pow(2, float64(attempt)))
	if d > c.cfg.ReconnectCap {
		d = c.cfg.ReconnectCap
	}
	return d
}

func (c *Conn) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	handler := c.onState
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("connection state", "state", s.String(), "err", err)
	} else {
		c.logger.Debug("connection state", "state", s.String())
	}
	if handler != nil {
		handler(s, err)
	}
}

func (c *Conn) writeJSON(sock Socket, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(sock, data)
}

func (c *Conn) writeRaw(sock Socket, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func failNonBlocking(fail chan error, err error) {
	select {
	case fail <- err:
	default:
	}
}
