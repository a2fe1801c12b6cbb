package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 50

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind describes which store operation produced a change.
type ChangeKind string

const (
	ChangeUpsert   ChangeKind = "upsert"
	ChangeMessage  ChangeKind = "message"
	ChangeMutation ChangeKind = "mutation"
	ChangeReaction ChangeKind = "reaction"
	ChangeHistory  ChangeKind = "history"
	ChangeActive   ChangeKind = "active"
	ChangeRead     ChangeKind = "read"
	ChangeReset    ChangeKind = "reset"
)

// StoreChange is delivered to subscribers after every effective mutation.
type StoreChange struct {
	ConversationID string
	Kind           ChangeKind
}

// StoreListener receives change notifications.
type StoreListener func(StoreChange)

// AppendResult reports what AppendIncomingMessage did.
type AppendResult int

const (
	Appended AppendResult = iota
	Duplicate
	UnknownConversation
)

func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown_conversation"
	}
}

// StoreOptions configures a ConversationStore.
type StoreOptions struct {
	// PageSize is the history page ceiling; a full page implies more history.
	PageSize int
	Logger   *zerolog.Logger
	Metrics  *Metrics
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the in-memory source of truth for the user's
// conversations. All operations are total: unknown identifiers are no-ops.
// Reads return deep copies, so callers never share state with the store.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	activeID      string
	pageSize      int

	listenersMu  sync.RWMutex
	listeners    map[int]StoreListener
	nextListener int

	log     zerolog.Logger
	metrics *Metrics
}

// NewConversationStore creates an empty store.
func NewConversationStore(opts *StoreOptions) *ConversationStore {
	s := &ConversationStore{
		conversations: make(map[string]*Conversation),
		pageSize:      DefaultPageSize,
		listeners:     make(map[int]StoreListener),
		log:           zerolog.Nop(),
	}
	if opts != nil {
		if opts.PageSize > 0 {
			s.pageSize = opts.PageSize
		}
		s.log = loggerOrNop(opts.Logger)
		s.metrics = opts.Metrics
	}
	return s
}

// PageSize returns the configured history page ceiling.
func (s *ConversationStore) PageSize() int {
	return s.pageSize
}

// Subscribe registers l for change notifications and returns a function
// that removes it.
func (s *ConversationStore) Subscribe(l StoreListener) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *ConversationStore) notify(conversationID string, kind ChangeKind) {
	s.listenersMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]StoreListener, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.listeners[id])
	}
	s.listenersMu.RUnlock()

	change := StoreChange{ConversationID: conversationID, Kind: kind}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Msg("store listener panicked")
				}
			}()
			h(change)
		}()
	}
}

// ── Reads ────────────────────────────────────────────────

// Conversation returns a copy of the conversation with the given id.
func (s *ConversationStore) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.Clone(), true
}

// Conversations returns copies of all conversations, most recent activity first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := lastActivity(&out[i]), lastActivity(&out[j])
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

// Message returns a copy of one message.
func (s *ConversationStore) Message(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Message{}, false
	}
	if i := indexOfMessage(c.Messages, messageID); i >= 0 {
		return c.Messages[i].Clone(), true
	}
	if c.LastMessage != nil && c.LastMessage.ID == messageID {
		return c.LastMessage.Clone(), true
	}
	return Message{}, false
}

// OldestMessage returns the earliest loaded message of a conversation.
func (s *ConversationStore) OldestMessage(conversationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok || len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[0].Clone(), true
}

// ActiveConversationID returns the conversation being viewed, or "".
func (s *ConversationStore) ActiveConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// TotalUnread sums the unread counters of all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// ── Summaries ────────────────────────────────────────────

// UpsertConversationSummary inserts conv or merges it into the existing entry.
// Messages are unioned by id; on a duplicate id, the existing copy wins when
// it was sent by currentUserID (a local optimistic entry), otherwise the
// incoming copy wins. HistoryFetched never regresses to false.
func (s *ConversationStore) UpsertConversationSummary(conv Conversation, currentUserID string) {
	if conv.ID == "" {
		return
	}
	incoming := conv.Clone()

	s.mu.Lock()
	existing, ok := s.conversations[incoming.ID]
	if !ok {
		incoming.Messages = dedupeSorted(incoming.Messages)
		incoming.LastMessage = latestOf(tailOf(incoming.Messages), incoming.LastMessage)
		absorbLastMessage(&incoming)
		if incoming.UnreadCount < 0 || incoming.ID == s.activeID {
			incoming.UnreadCount = 0
		}
		incoming.IsLoadingHistory = false
		s.conversations[incoming.ID] = &incoming
		s.mu.Unlock()
		s.notify(incoming.ID, ChangeUpsert)
		return
	}

	if len(incoming.Participants) > 0 {
		existing.Participants = incoming.Participants
	}
	if incoming.OtherUser != nil {
		existing.OtherUser = incoming.OtherUser
	}
	if existing.ID == s.activeID {
		existing.UnreadCount = 0
	} else if incoming.UnreadCount >= 0 {
		existing.UnreadCount = incoming.UnreadCount
	}
	if !existing.HistoryFetched {
		existing.HasMoreHistory = incoming.HasMoreHistory
	}
	existing.HistoryFetched = existing.HistoryFetched || incoming.HistoryFetched

	existing.Messages = mergeMessages(existing.Messages, incoming.Messages, func(old, _ *Message) bool {
		return currentUserID != "" && old.Sender.ID == currentUserID
	})
	existing.LastMessage = latestOf(tailOf(existing.Messages), latestOf(existing.LastMessage, incoming.LastMessage))
	absorbLastMessage(existing)
	s.mu.Unlock()

	s.notify(existing.ID, ChangeUpsert)
}

// ── Live messages ────────────────────────────────────────

// AppendIncomingMessage adds a pushed message. Redelivery of a known id,
// including the summary's last message before history is fetched, is a no-op.
// A message for a conversation that is not known locally is dropped.
// The unread counter is incremented unless the conversation is active: the
// user is looking at it, so it is read on arrival.
func (s *ConversationStore) AppendIncomingMessage(msg Message) AppendResult {
	s.mu.Lock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn().
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("dropping inbound message for unknown conversation")
		s.metrics.messageDropped()
		return UnknownConversation
	}
	if indexOfMessage(c.Messages, msg.ID) >= 0 || (c.LastMessage != nil && c.LastMessage.ID == msg.ID) {
		s.mu.Unlock()
		return Duplicate
	}

	m := msg.Clone()
	c.Messages = insertSorted(c.Messages, m)
	if c.HistoryFetched {
		c.LastMessage = tailOf(c.Messages)
	} else {
		lm := m.Clone()
		c.LastMessage = &lm
	}
	if c.ID != s.activeID {
		c.UnreadCount++
	}
	s.mu.Unlock()

	s.notify(msg.ConversationID, ChangeMessage)
	return Appended
}

// SetActiveConversation marks id as the conversation being viewed and resets
// its unread counter. An empty id means nothing is being viewed.
func (s *ConversationStore) SetActiveConversation(id string) {
	s.mu.Lock()
	s.activeID = id
	if c, ok := s.conversations[id]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify(id, ChangeActive)
}

// ApplyMessageMutation replaces a message in place after an edit or soft
// delete. When the mutation carries no reactions, the stored ones are kept.
func (s *ConversationStore) ApplyMessageMutation(msg Message) bool {
	s.mu.Lock()
	c := s.conversationForMessageLocked(msg.ConversationID, msg.ID)
	if c == nil {
		s.mu.Unlock()
		return false
	}

	updated := msg.Clone()
	if updated.ConversationID == "" {
		updated.ConversationID = c.ID
	}
	changed := false
	if i := indexOfMessage(c.Messages, msg.ID); i >= 0 {
		if updated.Reactions == nil {
			updated.Reactions = c.Messages[i].Reactions
		}
		resort := !c.Messages[i].CreatedAt.Equal(updated.CreatedAt)
		c.Messages[i] = updated.Clone()
		if resort {
			sortMessages(c.Messages)
		}
		changed = true
	}
	if c.LastMessage != nil && c.LastMessage.ID == msg.ID {
		if updated.Reactions == nil {
			updated.Reactions = c.LastMessage.Reactions
		}
		lm := updated.Clone()
		c.LastMessage = &lm
		changed = true
	}
	if changed && c.HistoryFetched {
		c.LastMessage = tailOf(c.Messages)
	}
	id := c.ID
	s.mu.Unlock()

	if changed {
		s.notify(id, ChangeMutation)
	}
	return changed
}

// ApplyReactionEvent adds or removes one raw reaction on a message and on the
// conversation's last message when it is the same message.
func (s *ConversationStore) ApplyReactionEvent(ev ReactionEvent) bool {
	if ev.MessageID == "" || ev.ActorUserID == "" || ev.Emoji == "" {
		return false
	}

	var added Reaction
	if ev.Action == ReactionAdded {
		if ev.Reaction != nil {
			added = *ev.Reaction
		} else {
			added = Reaction{
				ID:        "local-" + uuid.NewString(),
				MessageID: ev.MessageID,
				UserID:    ev.ActorUserID,
				Emoji:     ev.Emoji,
				CreatedAt: time.Now().UTC(),
			}
		}
	} else if ev.Action != ReactionRemoved {
		return false
	}

	apply := func(m *Message) {
		m.Reactions = withoutReaction(m.Reactions, ev.ActorUserID, ev.Emoji)
		if ev.Action == ReactionAdded {
			m.Reactions = append(m.Reactions, added)
		}
	}

	s.mu.Lock()
	c := s.conversationForMessageLocked(ev.ConversationID, ev.MessageID)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	changed := false
	if i := indexOfMessage(c.Messages, ev.MessageID); i >= 0 {
		apply(&c.Messages[i])
		changed = true
	}
	if c.LastMessage != nil && c.LastMessage.ID == ev.MessageID {
		apply(c.LastMessage)
		changed = true
	}
	id := c.ID
	s.mu.Unlock()

	if changed {
		s.notify(id, ChangeReaction)
	}
	return changed
}

// ApplyReadReceipt stamps read_at on the messages of a conversation that were
// addressed to the reader and created no later than the receipt. It returns
// the number of messages updated.
func (s *ConversationStore) ApplyReadReceipt(r ReadReceipt) int {
	s.mu.Lock()
	c, ok := s.conversations[r.ConversationID]
	if !ok || r.ReaderID == "" {
		s.mu.Unlock()
		return 0
	}
	readAt := r.ReadAt
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	stamp := func(m *Message) bool {
		if m.ReadAt != nil || m.Sender.ID == r.ReaderID || m.CreatedAt.After(readAt) {
			return false
		}
		if m.Recipient != nil && m.Recipient.ID != r.ReaderID {
			return false
		}
		t := readAt
		m.ReadAt = &t
		return true
	}
	n := 0
	for i := range c.Messages {
		if stamp(&c.Messages[i]) {
			n++
		}
	}
	if c.LastMessage != nil && stamp(c.LastMessage) && indexOfMessage(c.Messages, c.LastMessage.ID) < 0 {
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify(r.ConversationID, ChangeRead)
	}
	return n
}

// ── History ──────────────────────────────────────────────

// TryBeginHistoryLoad atomically checks that the first history page of a
// conversation has neither been fetched nor is being fetched, and marks it as
// loading. It returns false when no fetch should be issued.
func (s *ConversationStore) TryBeginHistoryLoad(id string) bool {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok || c.HistoryFetched || c.IsLoadingHistory {
		s.mu.Unlock()
		return false
	}
	c.IsLoadingHistory = true
	s.mu.Unlock()
	s.notify(id, ChangeHistory)
	return true
}

// TryBeginOlderLoad is TryBeginHistoryLoad for pages before the first one.
func (s *ConversationStore) TryBeginOlderLoad(id string) bool {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok || !c.HistoryFetched || !c.HasMoreHistory || c.IsLoadingHistory {
		s.mu.Unlock()
		return false
	}
	c.IsLoadingHistory = true
	s.mu.Unlock()
	s.notify(id, ChangeHistory)
	return true
}

// SetHistoryLoading sets the loading flag of a conversation.
func (s *ConversationStore) SetHistoryLoading(id string, loading bool) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok || c.IsLoadingHistory == loading {
		s.mu.Unlock()
		return
	}
	c.IsLoadingHistory = loading
	s.mu.Unlock()
	s.notify(id, ChangeHistory)
}

// SetHistoryPage installs the first fetched history page. Messages pushed
// while the fetch was outstanding are kept; for ids present in both, the
// fetched copy wins. Applying the same page twice yields the same list.
func (s *ConversationStore) SetHistoryPage(id string, msgs []Message) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.Messages = mergeMessages(c.Messages, cloneMessages(msgs), nil)
	c.LastMessage = latestOf(tailOf(c.Messages), c.LastMessage)
	c.HistoryFetched = true
	absorbLastMessage(c)
	c.IsLoadingHistory = false
	c.HasMoreHistory = len(msgs) >= s.pageSize
	s.mu.Unlock()
	s.notify(id, ChangeHistory)
}

// PrependHistoryPage merges an older page in front of the loaded history.
// Copies already held locally win over the fetched ones.
func (s *ConversationStore) PrependHistoryPage(id string, older []Message) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.Messages = mergeMessages(c.Messages, cloneMessages(older), func(_, _ *Message) bool { return true })
	c.LastMessage = latestOf(tailOf(c.Messages), c.LastMessage)
	absorbLastMessage(c)
	c.IsLoadingHistory = false
	c.HasMoreHistory = len(older) >= s.pageSize
	s.mu.Unlock()
	s.notify(id, ChangeHistory)
}

// Reset drops every conversation and clears the active id.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.conversations = make(map[string]*Conversation)
	s.activeID = ""
	s.mu.Unlock()
	s.notify("", ChangeReset)
}

// ============================================================================
// Helpers
// ============================================================================

// conversationForMessageLocked resolves the conversation holding messageID.
// When conversationID is empty, every conversation is searched.
func (s *ConversationStore) conversationForMessageLocked(conversationID, messageID string) *Conversation {
	if conversationID != "" {
		return s.conversations[conversationID]
	}
	for _, c := range s.conversations {
		if indexOfMessage(c.Messages, messageID) >= 0 {
			return c
		}
		if c.LastMessage != nil && c.LastMessage.ID == messageID {
			return c
		}
	}
	return nil
}

// absorbLastMessage keeps LastMessage inside the loaded history once the
// history has been fetched, so it always equals the newest loaded message.
func absorbLastMessage(c *Conversation) {
	if !c.HistoryFetched || c.LastMessage == nil {
		return
	}
	if indexOfMessage(c.Messages, c.LastMessage.ID) < 0 {
		c.Messages = insertSorted(c.Messages, c.LastMessage.Clone())
	}
	c.LastMessage = tailOf(c.Messages)
}

func indexOfMessage(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

// insertSorted places m after every message created at or before it.
func insertSorted(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(m.CreatedAt) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// dedupeSorted drops later duplicates by id and sorts by creation time.
func dedupeSorted(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// mergeMessages unions existing and incoming by id and sorts the result.
// keepExisting decides duplicates; nil means the incoming copy always wins.
func mergeMessages(existing, incoming []Message, keepExisting func(old, new *Message) bool) []Message {
	out := make([]Message, 0, len(existing)+len(incoming))
	pos := make(map[string]int, len(existing)+len(incoming))
	for _, m := range existing {
		if _, ok := pos[m.ID]; ok {
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range incoming {
		i, ok := pos[m.ID]
		if !ok {
			pos[m.ID] = len(out)
			out = append(out, m)
			continue
		}
		if keepExisting != nil && keepExisting(&out[i], &m) {
			continue
		}
		out[i] = m
	}
	sortMessages(out)
	return out
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}

func tailOf(msgs []Message) *Message {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[len(msgs)-1].Clone()
	return &m
}

// latestOf returns whichever message was created last; a wins ties.
func latestOf(a, b *Message) *Message {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.CreatedAt.After(a.CreatedAt):
		return b
	default:
		return a
	}
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].CreatedAt
	}
	return time.Time{}
}
