package chatsync

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotSender            = errors.New("message was not sent by the current user")
	ErrEditWindowClosed     = errors.New("edit window has elapsed")
	ErrMessageDeleted       = errors.New("message is deleted")
	ErrNotConnected         = errors.New("not connected")
)
