package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RoutedEvents lists the inbound events the EventRouter subscribes to.
var RoutedEvents = []string{
	EventInboundMessage,
	EventMessageUpdated,
	EventMessageDeleted,
	EventReactionUpdated,
	EventReadReceipt,
	EventPresenceOnline,
	EventPresenceOffline,
	EventPresenceSnapshot,
}

// RouterOptions configures an EventRouter.
type RouterOptions struct {
	// EmitTimeout bounds each mark-as-read emission.
	EmitTimeout time.Duration
	Logger      *zerolog.Logger
	Metrics     *Metrics
}

// EventRouter turns inbound channel events into store and presence
// mutations, and hands inbound messages to the notification dispatcher.
type EventRouter struct {
	store    *ConversationStore
	presence *PresenceTracker
	notifier *NotificationDispatcher
	emitter  Emitter
	identity IdentityProvider

	emitTimeout time.Duration
	log         zerolog.Logger
	metrics     *Metrics

	mu   sync.Mutex
	offs []func()
}

// NewEventRouter creates a router. notifier and emitter may be nil.
func NewEventRouter(store *ConversationStore, presence *PresenceTracker, notifier *NotificationDispatcher, emitter Emitter, identity IdentityProvider, opts *RouterOptions) *EventRouter {
	r := &EventRouter{
		store:       store,
		presence:    presence,
		notifier:    notifier,
		emitter:     emitter,
		identity:    identity,
		emitTimeout: 5 * time.Second,
		log:         zerolog.Nop(),
	}
	if opts != nil {
		if opts.EmitTimeout > 0 {
			r.emitTimeout = opts.EmitTimeout
		}
		r.log = loggerOrNop(opts.Logger)
		r.metrics = opts.Metrics
	}
	return r
}

// Mount subscribes to every routed event on src. Mounting again first drops
// the previous subscriptions, so handlers are never registered twice.
func (r *EventRouter) Mount(src EventSource) {
	r.Unmount()

	offs := make([]func(), 0, len(RoutedEvents))
	for _, event := range RoutedEvents {
		event := event
		offs = append(offs, src.On(event, func(raw json.RawMessage) {
			if err := r.Handle(event, raw); err != nil {
				r.log.Warn().Err(err).Str("event", event).Msg("dropping channel event")
			}
		}))
	}
	r.mu.Lock()
	r.offs = offs
	r.mu.Unlock()
}

// Unmount removes the subscriptions made by Mount.
func (r *EventRouter) Unmount() {
	r.mu.Lock()
	offs := r.offs
	r.offs = nil
	r.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// Handle routes one event. It returns an error only for undecodable payloads
// or unknown event names.
func (r *EventRouter) Handle(event string, raw json.RawMessage) error {
	switch event {
	case EventInboundMessage:
		var msg Message
		if err := decodePayload(event, raw, &msg); err != nil {
			return err
		}
		r.handleInbound(msg)

	case EventMessageUpdated, EventMessageDeleted:
		var msg Message
		if err := decodePayload(event, raw, &msg); err != nil {
			return err
		}
		if event == EventMessageDeleted {
			msg.IsDeleted = true
		}
		r.store.ApplyMessageMutation(msg)

	case EventReactionUpdated:
		var ev ReactionEvent
		if err := decodePayload(event, raw, &ev); err != nil {
			return err
		}
		r.store.ApplyReactionEvent(ev)

	case EventReadReceipt:
		var rr ReadReceipt
		if err := decodePayload(event, raw, &rr); err != nil {
			return err
		}
		n := r.store.ApplyReadReceipt(rr)
		r.log.Debug().
			Str("conversation_id", rr.ConversationID).
			Str("reader_id", rr.ReaderID).
			Int("messages", n).
			Msg("read receipt")

	case EventPresenceOnline, EventPresenceOffline:
		var p PresenceEvent
		if err := decodePayload(event, raw, &p); err != nil {
			return err
		}
		if event == EventPresenceOnline {
			r.presence.Add(p.UserID)
		} else {
			r.presence.Remove(p.UserID)
		}

	case EventPresenceSnapshot:
		var ids []string
		if err := decodePayload(event, raw, &ids); err != nil {
			return err
		}
		r.presence.ReplaceAll(ids)

	default:
		return fmt.Errorf("unrouted event %q", event)
	}

	r.metrics.eventApplied(event)
	return nil
}

func (r *EventRouter) handleInbound(msg Message) {
	result := r.store.AppendIncomingMessage(msg)
	if result == Duplicate {
		return
	}
	if r.notifier != nil {
		r.notifier.Dispatch(msg)
	}
	if result != Appended || msg.ConversationID != r.store.ActiveConversationID() {
		return
	}
	if r.identity != nil && msg.Sender.ID == r.identity.CurrentUser().ID {
		return
	}
	r.emitMarkRead(MarkReadSignal{ConversationID: msg.ConversationID, SenderID: msg.Sender.ID})
}

func (r *EventRouter) emitMarkRead(sig MarkReadSignal) {
	if r.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.emitTimeout)
	defer cancel()
	if err := r.emitter.Emit(ctx, EventMarkRead, sig); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", sig.ConversationID).Msg("mark-as-read not sent")
	}
}

func decodePayload(event string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s: empty payload", event)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", event, err)
	}
	return nil
}
