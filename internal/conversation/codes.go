// ABOUTME: Mapping between conversation errors and wire error codes
// ABOUTME: Shared by the websocket endpoint, the HTTP API and the remote client

package conversation

import (
	"errors"

	"github.com/2389/chat-gateway/internal/realtime"
)

var codeTable = []struct {
	err  error
	code string
}{
	{ErrInvalidParticipants, realtime.CodeInvalidParticipants},
	{ErrInvalidMode, realtime.CodeInvalidMode},
	{ErrEmptyMessage, realtime.CodeEmptyMessage},
	{ErrNotParticipant, realtime.CodeNotParticipant},
	{ErrConversationNotFound, realtime.CodeNotFound},
	{ErrNotOperator, realtime.CodeNotOperator},
	{ErrPersistenceFailure, realtime.CodePersistenceFailure},
}

// ErrorCode returns the wire code for err, or realtime.CodeInternal.
func ErrorCode(err error) string {
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return realtime.CodeInternal
}

// ErrorForCode returns the sentinel a wire code stands for, or nil.
func ErrorForCode(code string) error {
	for _, e := range codeTable {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
