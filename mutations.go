package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MutationAPI submits message mutations. Confirmation is expected over the
// channel, not from the response.
type MutationAPI interface {
	EditMessage(ctx context.Context, conversationID, messageID, content string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error
}

// MutatorOptions configures a Mutator.
type MutatorOptions struct {
	// Now overrides the clock used for the edit window.
	Now    func() time.Time
	Logger *zerolog.Logger
}

// Mutator applies edits, deletes and reaction toggles to the store first and
// submits them afterwards. The confirming channel event re-applies the same
// state, which the store treats as a no-op; nothing is rolled back.
type Mutator struct {
	store    *ConversationStore
	api      MutationAPI
	identity IdentityProvider
	now      func() time.Time
	log      zerolog.Logger
}

// NewMutator creates a mutator.
func NewMutator(store *ConversationStore, api MutationAPI, identity IdentityProvider, opts *MutatorOptions) *Mutator {
	m := &Mutator{store: store, api: api, identity: identity, now: time.Now, log: zerolog.Nop()}
	if opts != nil {
		if opts.Now != nil {
			m.now = opts.Now
		}
		m.log = loggerOrNop(opts.Logger)
	}
	return m
}

func (m *Mutator) lookup(conversationID, messageID string) (Message, error) {
	if _, ok := m.store.Conversation(conversationID); !ok {
		return Message{}, ErrConversationNotFound
	}
	msg, ok := m.store.Message(conversationID, messageID)
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (m *Mutator) checkEditable(msg *Message) error {
	user := m.identity.CurrentUser().ID
	switch {
	case msg.IsDeleted:
		return ErrMessageDeleted
	case msg.Sender.ID != user:
		return ErrNotSender
	case !CanEditOrDelete(msg, user, m.now()):
		return ErrEditWindowClosed
	}
	return nil
}

// Edit replaces the content of one of the current user's messages.
func (m *Mutator) Edit(ctx context.Context, conversationID, messageID, content string) error {
	msg, err := m.lookup(conversationID, messageID)
	if err != nil {
		return err
	}
	if err := m.checkEditable(&msg); err != nil {
		return err
	}

	now := m.now().UTC()
	msg.Content = &content
	msg.UpdatedAt = &now
	m.store.ApplyMessageMutation(msg)

	if err := m.api.EditMessage(ctx, conversationID, messageID, content); err != nil {
		m.log.Warn().Err(err).Str("message_id", messageID).Msg("edit not submitted")
		return fmt.Errorf("submit edit: %w", err)
	}
	return nil
}

// Delete soft-deletes one of the current user's messages.
func (m *Mutator) Delete(ctx context.Context, conversationID, messageID string) error {
	msg, err := m.lookup(conversationID, messageID)
	if err != nil {
		return err
	}
	if err := m.checkEditable(&msg); err != nil {
		return err
	}

	now := m.now().UTC()
	msg.IsDeleted = true
	msg.Content = nil
	msg.UpdatedAt = &now
	m.store.ApplyMessageMutation(msg)

	if err := m.api.DeleteMessage(ctx, conversationID, messageID); err != nil {
		m.log.Warn().Err(err).Str("message_id", messageID).Msg("delete not submitted")
		return fmt.Errorf("submit delete: %w", err)
	}
	return nil
}

// ToggleReaction adds the current user's emoji to a message, or removes it
// when already present. It returns the action applied.
func (m *Mutator) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (ReactionAction, error) {
	msg, err := m.lookup(conversationID, messageID)
	if err != nil {
		return "", err
	}
	if !CanReact(&msg) {
		return "", ErrMessageDeleted
	}

	user := m.identity.CurrentUser().ID
	action := ReactionAdded
	if hasReaction(&msg, user, emoji) {
		action = ReactionRemoved
	}
	m.store.ApplyReactionEvent(ReactionEvent{
		MessageID:      messageID,
		ConversationID: conversationID,
		ActorUserID:    user,
		Emoji:          emoji,
		Action:         action,
	})

	if err := m.api.ToggleReaction(ctx, conversationID, messageID, emoji); err != nil {
		m.log.Warn().Err(err).Str("message_id", messageID).Msg("reaction not submitted")
		return action, fmt.Errorf("submit reaction: %w", err)
	}
	return action, nil
}
