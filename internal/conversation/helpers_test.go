package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/assistant"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReplier records the requests it receives and answers with a fixed text.
type fakeReplier struct {
	mu       sync.Mutex
	requests []*assistant.Request
	reply    string
	err      error
	block    chan struct{} // when set, Reply waits for it to close
}

func (f *fakeReplier) Reply(ctx context.Context, req *assistant.Request) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeReplier) calls() []*assistant.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*assistant.Request(nil), f.requests...)
}

var errDiskFull = errors.New("disk full")

type fixture struct {
	store   *store.MockStore
	hub     *realtime.Hub
	replier *fakeReplier
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMockStore()
	hub := realtime.NewHub(32, testLogger())
	replier := &fakeReplier{reply: "Thanks! A teammate will follow up."}
	svc := NewService(s, hub, replier, ServiceConfig{}, testLogger())
	t.Cleanup(svc.Close)
	return &fixture{store: s, hub: hub, replier: replier, svc: svc}
}

func (f *fixture) open(t *testing.T, partyA, partyB string) *store.Conversation {
	t.Helper()
	res, err := f.svc.Open(context.Background(), partyA, partyB)
	require.NoError(t, err)
	return res.Conversation
}

func (f *fixture) join(t *testing.T, party, conversationID string) *realtime.Member {
	t.Helper()
	m := f.hub.Attach(party)
	f.hub.Join(m, conversationID)
	t.Cleanup(func() { f.hub.Detach(m) })
	return m
}

func drain(ch <-chan *store.Message) []*store.Message {
	var out []*store.Message
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}
