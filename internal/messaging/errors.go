package messaging

import "errors"

// Validation errors are the only failures that cross the API boundary.
// Transport problems are absorbed by reconnection and catch-up.
var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrPayloadTooLarge  = errors.New("message content exceeds size limit")
	ErrNotParticipant   = errors.New("sender is not a participant of the conversation")
	ErrSelfConversation = errors.New("cannot open a conversation with yourself")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)
