package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(messageCmd)
	messageCmd.AddCommand(messageEditCmd)
	messageCmd.AddCommand(messageDeleteCmd)
	messageCmd.AddCommand(messageReactCmd)
}

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Edit, delete or react to messages",
}

// withMutator loads the conversation holding the message and runs fn with a
// mutator over it.
func withMutator(cmd *cobra.Command, conversationID string, fn func(ctx context.Context, m *chatsync.Mutator) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	s, err := openSession(ctx, 0)
	if err != nil {
		return err
	}
	if _, err := s.loadHistory(ctx, conversationID, 0); err != nil {
		return err
	}
	m := chatsync.NewMutator(s.store, s.client, s.ident, &chatsync.MutatorOptions{Logger: newLogger(s.cfg)})
	return fn(ctx, m)
}

var messageEditCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <content...>",
	Short: "Edit one of your messages within the edit window",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args[2:], " ")
		return withMutator(cmd, args[0], func(ctx context.Context, m *chatsync.Mutator) error {
			if err := m.Edit(ctx, args[0], args[1], content); err != nil {
				return err
			}
			fmt.Println("Edit submitted.")
			return nil
		})
	},
}

var messageDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages within the edit window",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMutator(cmd, args[0], func(ctx context.Context, m *chatsync.Mutator) error {
			if err := m.Delete(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Delete submitted.")
			return nil
		})
	},
}

var messageReactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Toggle your emoji reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMutator(cmd, args[0], func(ctx context.Context, m *chatsync.Mutator) error {
			action, err := m.ToggleReaction(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("Reaction %s %s.\n", args[2], action)
			return nil
		})
	},
}
