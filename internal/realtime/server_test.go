// ABOUTME: Tests for the websocket endpoint using a real gorilla client
// ABOUTME: Covers auth, join/ack/message flow, identity from the connection and error frames

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/store"
)

var errNotParticipant = errors.New("not a participant")

// fakeBackend stores messages in memory and publishes them to the hub.
type fakeBackend struct {
	hub   *Hub
	mu    sync.Mutex
	next  int64
	posts []*store.Message
}

func (b *fakeBackend) CanJoin(ctx context.Context, party, conversationID string) error {
	if conversationID != "conv-x" || (party != "u1" && party != "b1") {
		return errNotParticipant
	}
	return nil
}

func (b *fakeBackend) Post(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if err := b.CanJoin(ctx, msg.SenderID, msg.ConversationID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.next++
	stored := msg.Clone()
	stored.ID = b.next
	stored.SentAt = time.UnixMilli(stored.ID).UTC()
	stored.Origin = store.OriginCounterpart
	b.posts = append(b.posts, stored)
	b.mu.Unlock()

	b.hub.Publish(stored.ConversationID, stored)
	return stored, nil
}

func errorCode(err error) string {
	if errors.Is(err, errNotParticipant) {
		return CodeNotParticipant
	}
	return CodeInternal
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *fakeBackend) {
	t.Helper()
	hub := NewHub(16, nil)
	backend := &fakeBackend{hub: hub}
	identify := func(r *http.Request) (string, error) {
		if p := r.URL.Query().Get("party"); p != "" {
			return p, nil
		}
		return "", errors.New("no party")
	}
	h := NewHandler(hub, backend, identify, HandlerConfig{
		PingInterval: time.Second,
		WriteTimeout: time.Second,
		ErrorCode:    errorCode,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, hub, backend
}

func dial(t *testing.T, srv *httptest.Server, party string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?party=" + party
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, f *Frame) *Frame {
	t.Helper()
	require.NoError(t, ws.WriteJSON(f))
	return readFrame(t, ws)
}

func readFrame(t *testing.T, ws *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Frame
	require.NoError(t, ws.ReadJSON(&got))
	return &got
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_JoinSendDeliver(t *testing.T) {
	srv, hub, backend := newTestServer(t)
	u1 := dial(t, srv, "u1")
	b1 := dial(t, srv, "b1")

	joined := roundTrip(t, b1, &Frame{Type: FrameJoin, Ref: "j1", ConversationID: "conv-x"})
	assert.Equal(t, FrameJoined, joined.Type)
	assert.Equal(t, "j1", joined.Ref)
	joined = roundTrip(t, u1, &Frame{Type: FrameJoin, Ref: "j2", ConversationID: "conv-x"})
	assert.Equal(t, FrameJoined, joined.Type)
	assert.Equal(t, 2, hub.Room("conv-x"))

	require.NoError(t, u1.WriteJSON(&Frame{
		Type: FrameSend,
		Ref:  "s1",
		Message: &WireMessage{
			ConversationID: "conv-x",
			SenderID:       "b1", // spoofed, must be ignored
			ReceiverID:     "b1",
			Body:           "hello",
			ClientID:       "client-1",
		},
	}))

	// The sender sees an ack and its own echo in either order
	var ack, echo *Frame
	for i := 0; i < 2; i++ {
		f := readFrame(t, u1)
		switch f.Type {
		case FrameAck:
			ack = f
		case FrameMessage:
			echo = f
		}
	}
	require.NotNil(t, ack)
	require.NotNil(t, echo)
	assert.Equal(t, "s1", ack.Ref)
	assert.Equal(t, "u1", ack.Message.SenderID, "sender comes from the connection")
	assert.Equal(t, "client-1", ack.Message.ClientID)
	assert.Equal(t, ack.Message.ID, echo.Message.ID)

	live := readFrame(t, b1)
	assert.Equal(t, FrameMessage, live.Type)
	assert.Equal(t, "hello", live.Message.Body)
	assert.Equal(t, "u1", live.Message.SenderID)
	assert.NotEmpty(t, live.Message.SentAt)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.posts, 1)
}

func TestHandler_JoinForbidden(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	intruder := dial(t, srv, "mallory")

	f := roundTrip(t, intruder, &Frame{Type: FrameJoin, Ref: "j1", ConversationID: "conv-x"})
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "j1", f.Ref)
	assert.Equal(t, CodeNotParticipant, f.Code)
	assert.Equal(t, 0, hub.Room("conv-x"))
}

func TestHandler_InvalidFrames(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dial(t, srv, "u1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, ws)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, CodeInvalidFrame, f.Code)

	f = roundTrip(t, ws, &Frame{Type: "bogus", Ref: "r"})
	assert.Equal(t, CodeInvalidFrame, f.Code)

	f = roundTrip(t, ws, &Frame{Type: FrameSend, Ref: "r2"})
	assert.Equal(t, CodeInvalidFrame, f.Code)
	assert.Equal(t, "r2", f.Ref)
}

func TestHandler_SendDefaultsToJoinedRoom(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dial(t, srv, "b1")
	roundTrip(t, ws, &Frame{Type: FrameJoin, Ref: "j", ConversationID: "conv-x"})

	require.NoError(t, ws.WriteJSON(&Frame{Type: FrameSend, Ref: "s", Message: &WireMessage{Body: "hi"}}))
	for i := 0; i < 2; i++ {
		f := readFrame(t, ws)
		if f.Type == FrameAck {
			assert.Equal(t, "conv-x", f.Message.ConversationID)
		}
	}
}

func TestHandler_LeaveStopsDelivery(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	ws := dial(t, srv, "b1")
	roundTrip(t, ws, &Frame{Type: FrameJoin, Ref: "j", ConversationID: "conv-x"})

	left := roundTrip(t, ws, &Frame{Type: FrameLeave, Ref: "l", ConversationID: "conv-x"})
	assert.Equal(t, FrameLeft, left.Type)
	assert.Equal(t, 0, hub.Room("conv-x"))
}

func TestHandler_HubDisconnectClosesSocket(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	ws := dial(t, srv, "u1")
	roundTrip(t, ws, &Frame{Type: FrameJoin, Ref: "j", ConversationID: "conv-x"})

	assert.Equal(t, 1, hub.DisconnectParty("u1"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHandler_ClientCloseDetachesMember(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	ws := dial(t, srv, "u1")
	roundTrip(t, ws, &Frame{Type: FrameJoin, Ref: "j", ConversationID: "conv-x"})
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		members, _ := hub.Stats()
		return members == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(NewHub(1, nil), nil, nil, HandlerConfig{AllowedOrigins: []string{"https://app.example.com"}})

	r := httptest.NewRequest(http.MethodGet, "http://gw.example.com/ws", nil)
	assert.True(t, h.checkOrigin(r), "no Origin header")

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))

	sameHost := NewHandler(NewHub(1, nil), nil, nil, HandlerConfig{})
	r.Header.Set("Origin", "https://gw.example.com")
	assert.True(t, sameHost.checkOrigin(r))
}
