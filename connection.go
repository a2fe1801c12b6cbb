package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Channel abstraction
// ============================================================================

// EventHandler receives the raw payload of one channel event.
type EventHandler func(payload json.RawMessage)

// EventSource delivers named channel events. On returns a function that
// removes the handler.
type EventSource interface {
	On(event string, h EventHandler) (off func())
}

// Emitter sends named events to the server.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Channel is the bidirectional push channel. Connect starts a connection
// attempt authenticated with token; outcomes are reported through the
// connect and connect_error events.
type Channel interface {
	EventSource
	Emitter
	Connect(ctx context.Context, token string) error
	Disconnect() error
}

// ============================================================================
// Collaborators
// ============================================================================

// SessionClearer drops the local session (credential and identity).
type SessionClearer interface {
	ClearSession()
}

// Navigator moves the user to a route.
type Navigator interface {
	Navigate(route string)
}

// Alerter surfaces an alert to the user.
type Alerter interface {
	Alert(a Alert)
}

// SessionClearerFunc adapts a function to SessionClearer.
type SessionClearerFunc func()

func (f SessionClearerFunc) ClearSession() { f() }

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

func (f NavigatorFunc) Navigate(route string) { f(route) }

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(a Alert)

func (f AlerterFunc) Alert(a Alert) { f(a) }

// ============================================================================
// Connection Manager
// ============================================================================

// ConnectionState is the manager's view of the channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// AuthState is the local session as seen by the manager. A session without a
// token is unauthenticated.
type AuthState struct {
	UserID string
	Token  string
}

// Authenticated reports whether the state carries a credential.
func (a AuthState) Authenticated() bool {
	return a.Token != ""
}

const (
	// DefaultMaxRetries is the consecutive connect error ceiling.
	DefaultMaxRetries = 3

	// DefaultReauthRoute is where the user is sent after a forced termination.
	DefaultReauthRoute = "/login"
)

// ConnectionOptions configures a ConnectionManager.
type ConnectionOptions struct {
	// MaxRetries is the number of consecutive connect errors that ends the session.
	MaxRetries  int
	ReauthRoute string
	Session     SessionClearer
	Navigator   Navigator
	Alerter     Alerter
	Logger      *zerolog.Logger
	Metrics     *Metrics
}

func (o *ConnectionOptions) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ReauthRoute == "" {
		o.ReauthRoute = DefaultReauthRoute
	}
}

// ConnectionManager drives the channel from the auth session and gives up
// after a bounded number of consecutive connect errors. It never redials on
// its own; reconnection below the ceiling belongs to the channel.
type ConnectionManager struct {
	mu         sync.Mutex
	channel    Channel
	presence   *PresenceTracker
	opts       ConnectionOptions
	state      ConnectionState
	token      string
	retries    int
	terminated bool
	offs       []func()

	log     zerolog.Logger
	metrics *Metrics
}

// NewConnectionManager creates a manager for ch. presence may be nil.
func NewConnectionManager(ch Channel, presence *PresenceTracker, opts *ConnectionOptions) *ConnectionManager {
	var o ConnectionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &ConnectionManager{
		channel:  ch,
		presence: presence,
		opts:     o,
		state:    StateDisconnected,
		log:      loggerOrNop(o.Logger),
		metrics:  o.Metrics,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the number of consecutive connect errors.
func (m *ConnectionManager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Attach subscribes the manager to the channel lifecycle events of src.
func (m *ConnectionManager) Attach(src EventSource) {
	offs := []func(){
		src.On(EventConnect, func(json.RawMessage) { m.HandleConnect() }),
		src.On(EventConnectError, func(raw json.RawMessage) {
			var p ConnectErrorPayload
			_ = json.Unmarshal(raw, &p)
			if p.Message == "" {
				p.Message = "connect error"
			}
			m.HandleConnectError(errors.New(p.Message))
		}),
		src.On(EventDisconnect, func(raw json.RawMessage) {
			var p DisconnectPayload
			_ = json.Unmarshal(raw, &p)
			m.HandleDisconnect(p.Reason)
		}),
	}
	m.mu.Lock()
	m.offs = append(m.offs, offs...)
	m.mu.Unlock()
}

// Detach removes the handlers registered by Attach.
func (m *ConnectionManager) Detach() {
	m.mu.Lock()
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// SetAuth reconciles the channel with the auth session. A new credential
// (re)connects and resets the retry counter; losing the credential
// disconnects and clears presence.
func (m *ConnectionManager) SetAuth(ctx context.Context, auth AuthState) error {
	m.mu.Lock()
	if !auth.Authenticated() {
		wasActive := m.state != StateDisconnected || m.token != ""
		m.state = StateDisconnected
		m.token = ""
		m.retries = 0
		m.mu.Unlock()

		if wasActive {
			m.log.Info().Msg("session ended, disconnecting channel")
			if err := m.channel.Disconnect(); err != nil {
				m.log.Warn().Err(err).Msg("channel disconnect failed")
			}
		}
		if m.presence != nil {
			m.presence.Clear()
		}
		return nil
	}

	if auth.Token == m.token && m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	rotate := m.state != StateDisconnected
	m.token = auth.Token
	m.retries = 0
	m.terminated = false
	m.state = StateConnecting
	m.mu.Unlock()

	if rotate {
		m.log.Info().Str("user_id", auth.UserID).Msg("credential rotated, reconnecting channel")
		if err := m.channel.Disconnect(); err != nil {
			m.log.Warn().Err(err).Msg("channel disconnect failed")
		}
	} else {
		m.log.Info().Str("user_id", auth.UserID).Msg("connecting channel")
	}

	if err := m.channel.Connect(ctx, auth.Token); err != nil {
		m.HandleConnectError(err)
		return err
	}
	return nil
}

// HandleConnect records a successful connection.
func (m *ConnectionManager) HandleConnect() {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.retries = 0
	m.mu.Unlock()
	m.log.Info().Msg("channel connected")
}

// HandleDisconnect records a dropped connection. The channel is expected to
// redial on its own, so the state moves to connecting while a session exists.
func (m *ConnectionManager) HandleDisconnect(reason string) {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.log.Info().Str("reason", reason).Msg("channel disconnected")
}

// HandleConnectError counts a failed connection attempt. Reaching MaxRetries
// consecutive failures terminates the session exactly once: the channel is
// closed, the local session cleared, the user sent to re-authenticate and a
// blocking alert raised.
func (m *ConnectionManager) HandleConnectError(err error) {
	m.mu.Lock()
	if m.token == "" || m.terminated {
		m.mu.Unlock()
		return
	}
	m.retries++
	retries := m.retries
	if retries < m.opts.MaxRetries {
		m.state = StateConnecting
		m.mu.Unlock()
		m.metrics.connectError()
		m.log.Info().Err(err).Int("attempt", retries).Int("max", m.opts.MaxRetries).Msg("channel connect error")
		return
	}
	m.terminated = true
	m.state = StateDisconnected
	m.token = ""
	m.mu.Unlock()

	m.metrics.connectError()
	m.metrics.sessionTerminated()
	m.log.Error().Err(err).Int("attempts", retries).Msg("channel retries exhausted, ending session")
	m.terminate()
}

func (m *ConnectionManager) terminate() {
	if err := m.channel.Disconnect(); err != nil {
		m.log.Warn().Err(err).Msg("channel disconnect failed")
	}
	if m.presence != nil {
		m.presence.Clear()
	}
	if m.opts.Session != nil {
		m.opts.Session.ClearSession()
	}
	if m.opts.Navigator != nil {
		m.opts.Navigator.Navigate(m.opts.ReauthRoute)
	}
	if m.opts.Alerter != nil {
		m.opts.Alerter.Alert(newAlert(AlertBlocking, "Session expired", "Your session has expired. Please sign in again.", nil))
	}
}
