// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds gateways over the mock store and issues requests as a party

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{GRPCAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
	}
}

// newTestGateway builds a gateway over a mock store in anonymous mode.
func newTestGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig())
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config) (*Gateway, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	gw, err := NewWithStore(cfg, s, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, s
}

// call issues a request as party (anonymous mode) against h.
func call(t *testing.T, h http.Handler, method, path, party string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if party != "" {
		req.Header.Set("X-Party-ID", party)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// openConv opens the conversation between self and peer and returns its id.
func openConv(t *testing.T, h http.Handler, self, peer string) string {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/api/conversations", self, OpenConversationRequest{PeerID: peer})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())
	return decode[OpenConversationResponse](t, rec).Conversation.ID
}
