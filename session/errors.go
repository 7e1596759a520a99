package session

import "errors"

var (
	// ErrChatNotFound is returned when an operation names a chat id that is
	// not in the store.
	ErrChatNotFound = errors.New("chat not found")

	// ErrChatCapacity is returned by AddChat once MaxChats chats exist.
	ErrChatCapacity = errors.New("chat capacity exceeded")

	// ErrMessageCapacity is returned by message appends that would push a
	// chat's ledger past MaxMessagesPerChat.
	ErrMessageCapacity = errors.New("message capacity exceeded")
)
