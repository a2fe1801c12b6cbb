package chatsync

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Alerts
// ============================================================================

// AlertLevel distinguishes dismissible toasts from blocking alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertBlocking AlertLevel = "blocking"
)

// AlertAction is the optional button attached to an alert.
type AlertAction struct {
	Label string
	Run   func()
}

// Alert is what the alerting surface renders.
type Alert struct {
	ID          string
	Level       AlertLevel
	Title       string
	Body        string
	Dismissible bool
	Action      *AlertAction
}

func newAlert(level AlertLevel, title, body string, action *AlertAction) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Level:       level,
		Title:       title,
		Body:        body,
		Dismissible: level != AlertBlocking,
		Action:      action,
	}
}

// ============================================================================
// Notification Dispatcher
// ============================================================================

// ConversationActivator makes a conversation the active one.
type ConversationActivator interface {
	ActivateConversation(ctx context.Context, conversationID string) error
}

// IdentityProvider supplies the current user and credential.
type IdentityProvider interface {
	CurrentUser() Identity
	Credential() string
}

// StaticIdentity is an IdentityProvider with fixed values.
type StaticIdentity struct {
	User  Identity
	Token string
}

func (s StaticIdentity) CurrentUser() Identity { return s.User }
func (s StaticIdentity) Credential() string    { return s.Token }

const (
	previewRunes = 80

	// ConversationRoutePrefix prefixes the route of a conversation view.
	ConversationRoutePrefix = "/conversations/"
)

// NotifierOptions configures a NotificationDispatcher.
type NotifierOptions struct {
	Alerter   Alerter
	Navigator Navigator
	// Activator is used by the alert action; when nil the store's active
	// conversation is set directly.
	Activator ConversationActivator
	Logger    *zerolog.Logger
	Metrics   *Metrics
}

// NotificationDispatcher decides whether an inbound message deserves an
// out-of-band alert.
type NotificationDispatcher struct {
	store    *ConversationStore
	identity IdentityProvider
	opts     NotifierOptions
	log      zerolog.Logger
	metrics  *Metrics
}

// NewNotificationDispatcher creates a dispatcher reading the active
// conversation from store.
func NewNotificationDispatcher(store *ConversationStore, identity IdentityProvider, opts *NotifierOptions) *NotificationDispatcher {
	d := &NotificationDispatcher{store: store, identity: identity, log: zerolog.Nop()}
	if opts != nil {
		d.opts = *opts
		d.log = loggerOrNop(opts.Logger)
		d.metrics = opts.Metrics
	}
	return d
}

// SetActivator replaces the activator used by alert actions.
func (d *NotificationDispatcher) SetActivator(a ConversationActivator) {
	d.opts.Activator = a
}

// Dispatch alerts for msg unless it was sent by the current user or belongs
// to the conversation being viewed. It reports whether an alert was raised.
func (d *NotificationDispatcher) Dispatch(msg Message) bool {
	if d.identity != nil && msg.Sender.ID == d.identity.CurrentUser().ID {
		d.metrics.notification("suppressed_self")
		return false
	}
	if msg.ConversationID == d.store.ActiveConversationID() {
		d.metrics.notification("suppressed_active")
		return false
	}
	if d.opts.Alerter == nil {
		return false
	}

	conversationID := msg.ConversationID
	action := &AlertAction{
		Label: "Open",
		Run:   func() { d.open(conversationID) },
	}
	title := msg.Sender.DisplayName
	if title == "" {
		title = msg.Sender.ID
	}
	d.opts.Alerter.Alert(newAlert(AlertInfo, title, Preview(&msg), action))
	d.metrics.notification("alerted")
	d.log.Debug().Str("conversation_id", conversationID).Str("sender_id", msg.Sender.ID).Msg("new message alert")
	return true
}

func (d *NotificationDispatcher) open(conversationID string) {
	if d.opts.Activator != nil {
		if err := d.opts.Activator.ActivateConversation(context.Background(), conversationID); err != nil {
			d.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("activate from alert failed")
		}
	} else {
		d.store.SetActiveConversation(conversationID)
	}
	if d.opts.Navigator != nil {
		d.opts.Navigator.Navigate(ConversationRoutePrefix + conversationID)
	}
}

// Preview returns a short single-line rendering of a message for alerts.
func Preview(m *Message) string {
	if m.IsDeleted {
		return "Message deleted"
	}
	text := strings.Join(strings.Fields(m.Text()), " ")
	if text == "" {
		if m.Attachment != nil {
			if m.Attachment.FileName != "" {
				return fmt.Sprintf("Sent an attachment: %s", m.Attachment.FileName)
			}
			return "Sent an attachment"
		}
		return ""
	}
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	r := []rune(text)
	return string(r[:previewRunes-1]) + "…"
}
