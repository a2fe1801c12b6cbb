package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func msg(id, conv, sender string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		Sender:         Identity{ID: sender, DisplayName: sender},
		Content:        strp("text " + id),
		CreatedAt:      at,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ID
	}
	return out
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// ── fakeChannel ──────────────────────────────────────────

type emitted struct {
	Event   string
	Payload any
}

// fakeChannel is an in-memory Channel. Events are fired synchronously by the
// test through fire.
type fakeChannel struct {
	mu          sync.Mutex
	handlers    map[string]map[int]EventHandler
	nextID      int
	connects    []string
	disconnects int
	emits       []emitted
	connected   bool
	connectErr  error
	emitErr     error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]EventHandler)}
}

func (f *fakeChannel) On(event string, h EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]EventHandler)
	}
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{Event: event, Payload: payload})
	return nil
}

func (f *fakeChannel) Connect(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, token)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeChannel) handlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// fire delivers an event to every handler, as the channel's read goroutine would.
func (f *fakeChannel) fire(t *testing.T, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		data = raw(t, payload)
	}
	f.mu.Lock()
	hs := make([]EventHandler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeChannel) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

// ── fakeAPI ──────────────────────────────────────────────

type fetchCall struct {
	ConversationID string
	Query          HistoryQuery
}

type mutationCall struct {
	Op             string
	ConversationID string
	MessageID      string
	Arg            string
}

// fakeAPI serves canned conversations and history pages.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	pages         map[string][][]Message
	fetchErr      error
	mutateErr     error
	fetches       []fetchCall
	mutations     []mutationCall
	token         string

	// block, when set, holds FetchHistory until it is closed.
	block chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: make(map[string][][]Message)}
}

func (a *fakeAPI) ListConversations(context.Context) ([]Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Conversation, len(a.conversations))
	for i := range a.conversations {
		out[i] = a.conversations[i].Clone()
	}
	return out, nil
}

func (a *fakeAPI) FetchHistory(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error) {
	a.mu.Lock()
	a.fetches = append(a.fetches, fetchCall{ConversationID: conversationID, Query: q})
	block := a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	pages := a.pages[conversationID]
	if len(pages) == 0 {
		return nil, nil
	}
	page := pages[0]
	a.pages[conversationID] = pages[1:]
	return cloneMessages(page), nil
}

func (a *fakeAPI) record(op, conv, id, arg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutations = append(a.mutations, mutationCall{Op: op, ConversationID: conv, MessageID: id, Arg: arg})
	return a.mutateErr
}

func (a *fakeAPI) EditMessage(_ context.Context, conv, id, content string) error {
	return a.record("edit", conv, id, content)
}

func (a *fakeAPI) DeleteMessage(_ context.Context, conv, id string) error {
	return a.record("delete", conv, id, "")
}

func (a *fakeAPI) ToggleReaction(_ context.Context, conv, id, emoji string) error {
	return a.record("react", conv, id, emoji)
}

func (a *fakeAPI) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fetches)
}

// ── recorders ────────────────────────────────────────────

type recorder struct {
	mu      sync.Mutex
	alerts  []Alert
	routes  []string
	cleared int
}

func (r *recorder) Alert(a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *recorder) Navigate(route string) {
	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
}

func (r *recorder) ClearSession() {
	r.mu.Lock()
	r.cleared++
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]Alert, []string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...), append([]string(nil), r.routes...), r.cleared
}
