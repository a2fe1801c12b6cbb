package chatsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// HistoryFetcher fetches one page of a conversation's history, oldest first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)
}

// HistoryOptions configures a HistoryLoader.
type HistoryOptions struct {
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// HistoryLoader bridges fetched history pages into the store. The first page
// of a conversation is fetched at most once per activation and never twice
// concurrently; failures clear the loading flag and are not retried.
type HistoryLoader struct {
	store   *ConversationStore
	fetcher HistoryFetcher
	log     zerolog.Logger
	metrics *Metrics
}

// NewHistoryLoader creates a loader.
func NewHistoryLoader(store *ConversationStore, fetcher HistoryFetcher, opts *HistoryOptions) *HistoryLoader {
	l := &HistoryLoader{store: store, fetcher: fetcher, log: zerolog.Nop()}
	if opts != nil {
		l.log = loggerOrNop(opts.Logger)
		l.metrics = opts.Metrics
	}
	return l
}

// Load fetches the first history page of a conversation unless it has
// already been fetched or a fetch is outstanding, in which case it returns
// nil without doing anything.
func (l *HistoryLoader) Load(ctx context.Context, conversationID string) error {
	if !l.store.TryBeginHistoryLoad(conversationID) {
		l.metrics.historyFetch("skipped")
		return nil
	}

	msgs, err := l.fetcher.FetchHistory(ctx, conversationID, HistoryQuery{Limit: l.store.PageSize()})
	if err != nil {
		l.store.SetHistoryLoading(conversationID, false)
		l.metrics.historyFetch("error")
		l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("history fetch failed")
		return fmt.Errorf("load history for %s: %w", conversationID, err)
	}

	l.store.SetHistoryPage(conversationID, msgs)
	l.metrics.historyFetch("ok")
	l.log.Debug().Str("conversation_id", conversationID).Int("messages", len(msgs)).Msg("history loaded")
	return nil
}

// LoadOlder fetches the page preceding the oldest loaded message. It is a
// no-op until the first page is in, when no more history exists, or while
// another fetch for the conversation is outstanding.
func (l *HistoryLoader) LoadOlder(ctx context.Context, conversationID string) error {
	if !l.store.TryBeginOlderLoad(conversationID) {
		l.metrics.historyFetch("skipped")
		return nil
	}

	q := HistoryQuery{Limit: l.store.PageSize()}
	if oldest, ok := l.store.OldestMessage(conversationID); ok {
		q.Before = oldest.CreatedAt
	}
	msgs, err := l.fetcher.FetchHistory(ctx, conversationID, q)
	if err != nil {
		l.store.SetHistoryLoading(conversationID, false)
		l.metrics.historyFetch("error")
		l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("older history fetch failed")
		return fmt.Errorf("load older history for %s: %w", conversationID, err)
	}

	l.store.PrependHistoryPage(conversationID, msgs)
	l.metrics.historyFetch("ok")
	return nil
}
