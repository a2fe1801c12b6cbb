package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format of every channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthPayload is sent as the first frame of every connection.
type AuthPayload struct {
	Token string `json:"token"`
}

const (
	frameAuth          = "auth"
	frameAuthenticated = "authenticated"
	frameError         = "error"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a WSChannel.
type ChannelConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AuthTimeout          time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	HTTPHeader           http.Header
	Logger               *zerolog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// StateReconnecting is reported by a WSChannel waiting to redial.
const StateReconnecting ConnectionState = "reconnecting"

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A connection that stayed up for a while starts a fresh backoff series.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// WSChannel
// ============================================================================

type handlerEntry struct {
	id int
	h  EventHandler
}

// WSChannel is the websocket push channel. Every event, including the
// connect/connect_error/disconnect lifecycle events, is delivered on a single
// goroutine, so handlers never run concurrently with each other.
type WSChannel struct {
	url    string
	config ChannelConfig
	recon  *reconnector
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnectionState
	cancelFn context.CancelFunc
	gen      int

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	nextID     int
}

// NewWSChannel creates a channel for the websocket endpoint at url.
func NewWSChannel(url string, config *ChannelConfig) *WSChannel {
	var c ChannelConfig
	if config != nil {
		c = *config
	}
	c.defaults()
	return &WSChannel{
		url:      url,
		config:   c,
		recon:    newReconnector(&c),
		log:      loggerOrNop(c.Logger),
		state:    StateDisconnected,
		handlers: make(map[string][]handlerEntry),
	}
}

// On registers h for event and returns a function that removes it.
func (ws *WSChannel) On(event string, h EventHandler) func() {
	ws.handlersMu.Lock()
	id := ws.nextID
	ws.nextID++
	ws.handlers[event] = append(ws.handlers[event], handlerEntry{id: id, h: h})
	ws.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ws.handlersMu.Lock()
			defer ws.handlersMu.Unlock()
			entries := ws.handlers[event]
			for i, e := range entries {
				if e.id == id {
					ws.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(ws.handlers[event]) == 0 {
				delete(ws.handlers, event)
			}
		})
	}
}

// HandlerCount returns the number of handlers registered for event.
func (ws *WSChannel) HandlerCount(event string) int {
	ws.handlersMu.RLock()
	defer ws.handlersMu.RUnlock()
	return len(ws.handlers[event])
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect starts connecting with token and returns immediately. The outcome
// of each attempt is reported as a connect or connect_error event; failed
// attempts are redialed with backoff when AutoReconnect is set.
func (ws *WSChannel) Connect(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("empty channel credential")
	}
	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ws.cancelFn = cancel
	ws.gen++
	gen := ws.gen
	ws.state = StateConnecting
	ws.mu.Unlock()

	ws.recon.reset()
	go ws.run(runCtx, gen, token)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It does not wait
// for the connection goroutine, so it is safe to call from an event handler.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	ws.gen++
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a named event to the server.
func (ws *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) run(ctx context.Context, gen int, token string) {
	for {
		conn, err := ws.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.Debug().Err(err).Msg("channel dial failed")
			ws.setState(gen, StateDisconnected)
			ws.dispatchValue(gen, EventConnectError, ConnectErrorPayload{Message: err.Error()})
			if !ws.scheduleReconnect(ctx, gen) {
				return
			}
			continue
		}

		if !ws.attach(gen, conn) {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		ws.recon.markConnected()
		ws.dispatch(gen, EventConnect, nil)

		err = ws.readLoop(ctx, gen, conn)
		if ctx.Err() != nil {
			return
		}
		ws.detach(gen)
		ws.dispatchValue(gen, EventDisconnect, DisconnectPayload{
			Code:   int(websocket.CloseStatus(err)),
			Reason: err.Error(),
		})
		if !ws.scheduleReconnect(ctx, gen) {
			return
		}
	}
}

func (ws *WSChannel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, ws.config.AuthTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: ws.config.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	frame, err := encodeEnvelope(frameAuth, AuthPayload{Token: token})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(dctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("send auth: %w", err)
	}

	// The first server frame must acknowledge the credential.
	_, data, err := conn.Read(dctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("decode auth reply: %w", err)
	}
	switch env.Event {
	case frameAuthenticated:
		return conn, nil
	case frameError:
		var p ConnectErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("auth rejected: %s", p.Message)
	default:
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected '%s', got '%s'", frameAuthenticated, env.Event)
	}
}

func (ws *WSChannel) readLoop(ctx context.Context, gen int, conn *websocket.Conn) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ws.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			ws.log.Warn().Err(err).Msg("discarding malformed channel frame")
			continue
		}
		ws.dispatch(gen, env.Event, env.Data)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.log.Warn().Err(err).Msg("channel heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect waits out the next backoff delay. It returns false when
// the channel should stop instead.
func (ws *WSChannel) scheduleReconnect(ctx context.Context, gen int) bool {
	if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
		ws.setState(gen, StateDisconnected)
		ws.finish(gen)
		return false
	}
	delay := ws.recon.nextDelay()
	ws.setState(gen, StateReconnecting)
	ws.log.Debug().Dur("delay", delay).Msg("channel reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		ws.setState(gen, StateConnecting)
		return true
	}
}

func (ws *WSChannel) attach(gen int, conn *websocket.Conn) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen != gen {
		return false
	}
	ws.conn = conn
	ws.state = StateConnected
	return true
}

func (ws *WSChannel) detach(gen int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen == gen {
		ws.conn = nil
		ws.state = StateDisconnected
	}
}

// finish releases the run slot so a later Connect can start again.
func (ws *WSChannel) finish(gen int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen == gen && ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
}

func (ws *WSChannel) setState(gen int, s ConnectionState) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen == gen {
		ws.state = s
	}
}

func (ws *WSChannel) current(gen int) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.gen == gen
}

func (ws *WSChannel) dispatchValue(gen int, event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		ws.log.Error().Err(err).Str("event", event).Msg("encode local event")
		return
	}
	ws.dispatch(gen, event, raw)
}

func (ws *WSChannel) dispatch(gen int, event string, payload json.RawMessage) {
	if !ws.current(gen) {
		return
	}
	ws.handlersMu.RLock()
	entries := append([]handlerEntry(nil), ws.handlers[event]...)
	ws.handlersMu.RUnlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ws.log.Error().Interface("panic", r).Str("event", event).Msg("channel handler panicked")
				}
			}()
			e.h(payload)
		}()
	}
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
