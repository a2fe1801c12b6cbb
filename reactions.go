package chatsync

import "sort"

// ReactionSummary is the display view of one emoji on one message.
type ReactionSummary struct {
	Emoji              string `json:"emoji"`
	Count              int    `json:"count"`
	CurrentUserReacted bool   `json:"current_user_reacted"`
}

// AggregateReactions folds the raw reactions of a message into one entry per
// emoji, counting distinct users. Entries are ordered by descending count;
// ties keep the order in which each emoji was first seen.
//
// The result is a projection of the raw list and is meant to be recomputed on
// every read rather than stored.
func AggregateReactions(reactions []Reaction, currentUserID string) []ReactionSummary {
	if len(reactions) == 0 {
		return nil
	}

	var out []ReactionSummary
	index := make(map[string]int)
	seen := make(map[string]map[string]struct{})

	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, ReactionSummary{Emoji: r.Emoji})
			seen[r.Emoji] = make(map[string]struct{})
		}
		if _, dup := seen[r.Emoji][r.UserID]; dup {
			continue
		}
		seen[r.Emoji][r.UserID] = struct{}{}
		out[i].Count++
		if currentUserID != "" && r.UserID == currentUserID {
			out[i].CurrentUserReacted = true
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	return out
}

// hasReaction reports whether userID already reacted to m with emoji.
func hasReaction(m *Message, userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// withoutReaction returns reactions minus any entry matching (userID, emoji).
func withoutReaction(reactions []Reaction, userID, emoji string) []Reaction {
	out := reactions[:0:0]
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			continue
		}
		out = append(out, r)
	}
	return out
}
