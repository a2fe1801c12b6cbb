package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// API is the request/response side the sync core depends on.
type API interface {
	HistoryFetcher
	MutationAPI
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// tokenSetter is implemented by APIs that carry their own credential.
type tokenSetter interface {
	SetToken(token string)
}

// Options configures a Sync.
type Options struct {
	PageSize    int
	MaxRetries  int
	ReauthRoute string
	EmitTimeout time.Duration

	// Session is cleared after the channel retry ceiling is reached, once the
	// store has been reset.
	Session   SessionClearer
	Navigator Navigator
	Alerter   Alerter

	// Now overrides the clock used for the edit window.
	Now     func() time.Time
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Sync wires the conversation store, presence, connection manager, event
// router, history loader, notifier and mutator over one channel and one API.
type Sync struct {
	Store    *ConversationStore
	Presence *PresenceTracker
	Conn     *ConnectionManager
	Router   *EventRouter
	History  *HistoryLoader
	Notifier *NotificationDispatcher
	Mutator  *Mutator

	channel     Channel
	api         API
	identity    IdentityProvider
	session     SessionClearer
	emitTimeout time.Duration
	log         zerolog.Logger
}

// New assembles a Sync. Nothing touches the network until Start.
func New(ch Channel, api API, identity IdentityProvider, opts *Options) *Sync {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.EmitTimeout <= 0 {
		o.EmitTimeout = 5 * time.Second
	}

	s := &Sync{
		channel:     ch,
		api:         api,
		identity:    identity,
		session:     o.Session,
		emitTimeout: o.EmitTimeout,
		log:         loggerOrNop(o.Logger),
	}
	s.Store = NewConversationStore(&StoreOptions{PageSize: o.PageSize, Logger: o.Logger, Metrics: o.Metrics})
	s.Presence = NewPresenceTracker(o.Metrics)
	s.Conn = NewConnectionManager(ch, s.Presence, &ConnectionOptions{
		MaxRetries:  o.MaxRetries,
		ReauthRoute: o.ReauthRoute,
		Session:     SessionClearerFunc(s.clearSession),
		Navigator:   o.Navigator,
		Alerter:     o.Alerter,
		Logger:      o.Logger,
		Metrics:     o.Metrics,
	})
	s.Notifier = NewNotificationDispatcher(s.Store, identity, &NotifierOptions{
		Alerter:   o.Alerter,
		Navigator: o.Navigator,
		Activator: s,
		Logger:    o.Logger,
		Metrics:   o.Metrics,
	})
	s.Router = NewEventRouter(s.Store, s.Presence, s.Notifier, ch, identity, &RouterOptions{
		EmitTimeout: o.EmitTimeout,
		Logger:      o.Logger,
		Metrics:     o.Metrics,
	})
	s.History = NewHistoryLoader(s.Store, api, &HistoryOptions{Logger: o.Logger, Metrics: o.Metrics})
	s.Mutator = NewMutator(s.Store, api, identity, &MutatorOptions{Now: o.Now, Logger: o.Logger})
	return s
}

// Start loads the conversation summaries, subscribes to the channel and
// connects it with the identity's credential.
func (s *Sync) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.Router.Mount(s.channel)
	s.Conn.Detach()
	s.Conn.Attach(s.channel)

	user := s.identity.CurrentUser()
	return s.Conn.SetAuth(ctx, AuthState{UserID: user.ID, Token: s.identity.Credential()})
}

// Stop unsubscribes from the channel and disconnects it.
func (s *Sync) Stop() error {
	s.Router.Unmount()
	s.Conn.Detach()
	if err := s.Conn.SetAuth(context.Background(), AuthState{}); err != nil {
		return err
	}
	return s.channel.Disconnect()
}

// Refresh upserts the conversation summaries returned by the API.
func (s *Sync) Refresh(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	me := s.identity.CurrentUser().ID
	for _, c := range convs {
		s.Store.UpsertConversationSummary(c, me)
	}
	s.log.Debug().Int("conversations", len(convs)).Msg("conversation summaries refreshed")
	return nil
}

// ActivateConversation makes a conversation the active one: its unread count
// is reset, the other participant is told the conversation was read and the
// first history page is loaded if it has not been yet.
func (s *Sync) ActivateConversation(ctx context.Context, conversationID string) error {
	conv, ok := s.Store.Conversation(conversationID)
	if !ok {
		return ErrConversationNotFound
	}
	s.Store.SetActiveConversation(conversationID)

	if sender := s.counterpart(&conv); sender != "" {
		emitCtx, cancel := context.WithTimeout(ctx, s.emitTimeout)
		err := s.channel.Emit(emitCtx, EventMarkRead, MarkReadSignal{ConversationID: conversationID, SenderID: sender})
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark-as-read not sent")
		}
	}

	return s.History.Load(ctx, conversationID)
}

// counterpart returns the participant whose messages get marked as read.
func (s *Sync) counterpart(c *Conversation) string {
	if c.OtherUser != nil && c.OtherUser.ID != "" {
		return c.OtherUser.ID
	}
	me := s.identity.CurrentUser().ID
	if c.LastMessage != nil && c.LastMessage.Sender.ID != me {
		return c.LastMessage.Sender.ID
	}
	for _, p := range c.Participants {
		if p.ID != me {
			return p.ID
		}
	}
	return ""
}

// UpdateSession applies an auth session change: a new credential reconnects
// the channel, no credential disconnects it and clears the local model.
func (s *Sync) UpdateSession(ctx context.Context, auth AuthState) error {
	if ts, ok := s.api.(tokenSetter); ok {
		ts.SetToken(auth.Token)
	}
	if !auth.Authenticated() {
		s.Store.Reset()
	}
	return s.Conn.SetAuth(ctx, auth)
}

func (s *Sync) clearSession() {
	s.Store.Reset()
	if ts, ok := s.api.(tokenSetter); ok {
		ts.SetToken("")
	}
	if s.session != nil {
		s.session.ClearSession()
	}
}
