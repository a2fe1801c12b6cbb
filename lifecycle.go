package chatsync

import "time"

// EditWindow is how long after creation a sender may edit or delete a message.
const EditWindow = 300 * time.Second

// CanEditOrDelete reports whether currentUserID may still edit or delete m at
// time now. Evaluate it at interaction time; the answer changes on its own
// once the window elapses.
func CanEditOrDelete(m *Message, currentUserID string, now time.Time) bool {
	if m == nil || currentUserID == "" || m.IsDeleted {
		return false
	}
	if m.Sender.ID != currentUserID {
		return false
	}
	return now.Sub(m.CreatedAt) <= EditWindow
}

// CanReact reports whether reactions may still be toggled on m.
func CanReact(m *Message) bool {
	return m != nil && !m.IsDeleted
}

// EditWindowRemaining returns how long m stays editable, or zero.
func EditWindowRemaining(m *Message, now time.Time) time.Duration {
	left := EditWindow - now.Sub(m.CreatedAt)
	if left < 0 {
		return 0
	}
	return left
}
