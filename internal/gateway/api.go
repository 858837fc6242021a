// ABOUTME: HTTP API handlers for conversations, history, sends and mode changes
// ABOUTME: Every handler acts for the party attached to the request by the auth middleware

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
)

const maxRequestBytes = 1 << 20

// OpenConversationRequest is the JSON request body for POST /api/conversations.
type OpenConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// OpenConversationResponse is the JSON response for POST /api/conversations.
type OpenConversationResponse struct {
	Conversation *realtime.WireConversation `json:"conversation"`
	History      []*realtime.WireMessage    `json:"history"`
	Created      bool                       `json:"created"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []*realtime.WireConversation `json:"conversations"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	Messages []*realtime.WireMessage `json:"messages"`
}

// PostMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type PostMessageRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

// MessageResponse wraps one stored message.
type MessageResponse struct {
	Message *realtime.WireMessage `json:"message"`
}

// SetModeRequest is the JSON request body for PUT /api/conversations/{id}/mode.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// ConversationResponse wraps one conversation.
type ConversationResponse struct {
	Conversation *realtime.WireConversation `json:"conversation"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// api holds the conversation handlers.
type api struct {
	svc    *conversation.Service
	logger *slog.Logger
}

// statusFor maps a conversation error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidParticipants),
		errors.Is(err, conversation.ErrInvalidMode),
		errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotParticipant),
		errors.Is(err, conversation.ErrNotOperator):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sendJSONError writes a JSON error response without a wire code.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeError maps err to a status and wire code. Internal errors are logged
// and their details withheld.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		writeJSON(w, status, ErrorResponse{Error: "internal server error", Code: realtime.CodeInternal})
		return
	}
	if status == http.StatusServiceUnavailable {
		a.logger.Warn("request failed", "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: conversation.ErrorCode(err)})
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// conversationFor loads the conversation of the {id} path parameter and
// checks that the caller belongs to it.
func (a *api) conversationFor(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := a.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		err = conversation.Authorize(conv, auth.PartyFromContext(r.Context()))
	}
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return conv, true
}

// handleOpen handles POST /api/conversations. The caller opens the
// conversation, so on first contact the peer becomes the operator.
func (a *api) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenConversationRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := a.svc.Open(r.Context(), auth.PartyFromContext(r.Context()), req.PeerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, OpenConversationResponse{
		Conversation: realtime.ToWireConversation(res.Conversation),
		History:      realtime.WireMessages(res.History),
		Created:      res.Created,
	})
}

// handleList handles GET /api/conversations.
func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	convs, err := a.svc.Conversations(r.Context(), auth.PartyFromContext(r.Context()), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := ListConversationsResponse{Conversations: make([]*realtime.WireConversation, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, realtime.ToWireConversation(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMessages handles GET /api/conversations/{id}/messages?limit=N.
func (a *api) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}

	msgs, err := a.svc.History(r.Context(), conv.ID, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: realtime.WireMessages(msgs)})
}

// handlePost handles POST /api/conversations/{id}/messages.
func (a *api) handlePost(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	stored, err := a.svc.Send(r.Context(), &conversation.SendRequest{
		ConversationID: chi.URLParam(r, "id"),
		SenderID:       auth.PartyFromContext(r.Context()),
		Body:           req.Body,
		ClientID:       req.ClientID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, MessageResponse{Message: realtime.ToWire(stored)})
}

// handleSetMode handles PUT /api/conversations/{id}/mode.
func (a *api) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	party := auth.PartyFromContext(r.Context())
	if err := a.svc.SetModeAs(r.Context(), party, id, store.Mode(req.Mode)); err != nil {
		a.writeError(w, r, err)
		return
	}

	conv, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{Conversation: realtime.ToWireConversation(conv)})
}

// handleTranscript handles GET /api/conversations/{id}/transcript.
func (a *api) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}

	page, err := a.svc.Transcript(r.Context(), conv.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}
