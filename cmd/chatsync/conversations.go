package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON   bool
	conversationsUnread bool

	historyLimit int
	historyOlder int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Page size (defaults to default.page_size or 50)")
	historyCmd.Flags().IntVar(&historyOlder, "older", 0, "Number of older pages to load after the first")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
}

// session is the non-live part of the sync core, used by one-shot commands.
type session struct {
	cfg     *Config
	client  *chatsync.Client
	ident   chatsync.StaticIdentity
	store   *chatsync.ConversationStore
	history *chatsync.HistoryLoader
}

// openSession loads the conversation summaries into a fresh store.
func openSession(ctx context.Context, pageSize int) (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = cfg.Default.PageSize
	}
	log := newLogger(cfg)
	s := &session{
		cfg:    cfg,
		client: client,
		ident:  identity(cfg),
		store:  chatsync.NewConversationStore(&chatsync.StoreOptions{PageSize: pageSize, Logger: log}),
	}
	s.history = chatsync.NewHistoryLoader(s.store, client, &chatsync.HistoryOptions{Logger: log})

	convs, err := client.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		s.store.UpsertConversationSummary(c, s.ident.User.ID)
	}
	return s, nil
}

// loadHistory loads the first page of a conversation and up to older
// earlier pages.
func (s *session) loadHistory(ctx context.Context, conversationID string, older int) (chatsync.Conversation, error) {
	if _, ok := s.store.Conversation(conversationID); !ok {
		return chatsync.Conversation{}, fmt.Errorf("%w: %s", chatsync.ErrConversationNotFound, conversationID)
	}
	if err := s.history.Load(ctx, conversationID); err != nil {
		return chatsync.Conversation{}, err
	}
	for i := 0; i < older; i++ {
		conv, _ := s.store.Conversation(conversationID)
		if !conv.HasMoreHistory {
			break
		}
		if err := s.history.LoadOlder(ctx, conversationID); err != nil {
			return chatsync.Conversation{}, err
		}
	}
	conv, _ := s.store.Conversation(conversationID)
	return conv, nil
}

// ============================================================================
// conversations
// ============================================================================

type conversationView struct {
	ID          string    `json:"id"`
	With        string    `json:"with"`
	UnreadCount int       `json:"unread_count"`
	LastMessage string    `json:"last_message,omitempty"`
	LastAt      time.Time `json:"last_at,omitempty"`
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, 0)
		if err != nil {
			return err
		}

		var views []conversationView
		for _, c := range s.store.Conversations() {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			v := conversationView{ID: c.ID, With: counterpartName(&c, s.ident.User.ID), UnreadCount: c.UnreadCount}
			if c.LastMessage != nil {
				v.LastMessage = chatsync.Preview(c.LastMessage)
				v.LastAt = c.LastMessage.CreatedAt
			}
			views = append(views, v)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(views, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(views) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, v := range views {
			unread := ""
			if v.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", v.UnreadCount)
			}
			fmt.Printf("%s  %s%s\n", v.ID, v.With, unread)
			if v.LastMessage != "" {
				fmt.Printf("    %s  %s\n", v.LastAt.Local().Format("2006-01-02 15:04"), v.LastMessage)
			}
		}
		return nil
	},
}

func counterpartName(c *chatsync.Conversation, me string) string {
	if c.OtherUser != nil {
		return displayName(c.OtherUser)
	}
	for i := range c.Participants {
		if c.Participants[i].ID != me {
			return displayName(&c.Participants[i])
		}
	}
	return "(unknown)"
}

// ============================================================================
// history
// ============================================================================

type messageView struct {
	ID          string                     `json:"id"`
	Sender      string                     `json:"sender"`
	Text        string                     `json:"text"`
	CreatedAt   time.Time                  `json:"created_at"`
	Edited      bool                       `json:"edited"`
	Deleted     bool                       `json:"deleted"`
	Read        bool                       `json:"read"`
	Editable    bool                       `json:"editable"`
	EditableFor string                     `json:"editable_for,omitempty"`
	Reactions   []chatsync.ReactionSummary `json:"reactions,omitempty"`
}

func newMessageView(m *chatsync.Message, me string, now time.Time) messageView {
	v := messageView{
		ID:        m.ID,
		Sender:    displayName(&m.Sender),
		Text:      chatsync.Preview(m),
		CreatedAt: m.CreatedAt,
		Edited:    m.Edited() && !m.IsDeleted,
		Deleted:   m.IsDeleted,
		Read:      m.ReadAt != nil,
		Editable:  chatsync.CanEditOrDelete(m, me, now),
		Reactions: chatsync.AggregateReactions(m.Reactions, me),
	}
	if !m.IsDeleted && m.Text() != "" {
		v.Text = m.Text()
	}
	if v.Editable {
		v.EditableFor = chatsync.EditWindowRemaining(m, now).Round(time.Second).String()
	}
	return v
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, historyLimit)
		if err != nil {
			return err
		}
		conv, err := s.loadHistory(ctx, args[0], historyOlder)
		if err != nil {
			return err
		}

		now := time.Now()
		views := make([]messageView, 0, len(conv.Messages))
		for i := range conv.Messages {
			views = append(views, newMessageView(&conv.Messages[i], s.ident.User.ID, now))
		}

		if historyJSON {
			b, _ := json.MarshalIndent(views, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(views) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, v := range views {
			fmt.Println(formatMessageView(v))
		}
		if conv.HasMoreHistory {
			fmt.Println("(more history available, use --older)")
		}
		return nil
	},
}

func formatMessageView(v messageView) string {
	line := fmt.Sprintf("[%s] %s  %s: %s", v.CreatedAt.Local().Format("2006-01-02 15:04"), v.ID, v.Sender, v.Text)
	if v.Edited {
		line += " (edited)"
	}
	if v.Read {
		line += " ✓"
	}
	if v.Editable {
		line += fmt.Sprintf(" [editable %s]", v.EditableFor)
	}
	for _, r := range v.Reactions {
		mark := ""
		if r.CurrentUserReacted {
			mark = "*"
		}
		line += fmt.Sprintf("  %s%d%s", r.Emoji, r.Count, mark)
	}
	return line
}
