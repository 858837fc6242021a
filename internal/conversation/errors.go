// ABOUTME: Sentinel errors returned by the conversation layer
// ABOUTME: Transports map these to HTTP statuses and websocket error codes

package conversation

import "errors"

var (
	// ErrInvalidParticipants is returned when a party id is missing or both ids are equal.
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrConversationNotFound is returned for an unknown conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidMode is returned for a mode other than human or bot.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrNotParticipant is returned when a party acts on a conversation it does not belong to.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrNotOperator is returned when someone other than the operator changes the mode.
	ErrNotOperator = errors.New("only the operator may change the mode")

	// ErrEmptyMessage is returned for a message without a body.
	ErrEmptyMessage = errors.New("message body is empty")

	// ErrPersistenceFailure wraps store errors on append. The message was not
	// published.
	ErrPersistenceFailure = errors.New("persistence failure")
)
