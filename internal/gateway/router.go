// ABOUTME: HTTP routing for health, the conversation API and the websocket channel
// ABOUTME: chi router with CORS, panic recovery and request logging middleware

package gateway

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/realtime"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Service *conversation.Service
	Auth    *auth.Authenticator
	// Realtime tunes the websocket endpoint; ErrorCode and Logger are filled in.
	Realtime realtime.HandlerConfig
	// Ready reports readiness for /health/ready; nil means always ready.
	Ready  func() error
	Logger *slog.Logger
}

// NewRouter builds the HTTP handler of the gateway.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{svc: cfg.Service, logger: logger.With("component", "api")}

	origins := cfg.Realtime.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	wsCfg := cfg.Realtime
	wsCfg.ErrorCode = conversation.ErrorCode
	wsCfg.Logger = logger
	ws := realtime.NewHandler(cfg.Service.Hub(), cfg.Service, cfg.Auth.Party, wsCfg)

	r := chi.NewRouter()
	r.Use(recoverer(logger))
	r.Use(requestLogger(logger.With("component", "http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.PartyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints - no auth required
	r.Get("/health", handleHealth)
	r.Get("/health/ready", handleReady(cfg.Service.Hub(), cfg.Ready))

	// The websocket handler identifies the party itself so it can reject
	// before upgrading
	r.Handle("/ws", ws)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)
		r.Post("/", a.handleOpen)
		r.Get("/", a.handleList)
		r.Get("/{id}/messages", a.handleMessages)
		r.Post("/{id}/messages", a.handlePost)
		r.Put("/{id}/mode", a.handleSetMode)
		r.Get("/{id}/transcript", a.handleTranscript)
	})

	return r
}

// handleHealth returns 200 OK if the server is alive.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once the gateway serves traffic.
func handleReady(hub *realtime.Hub, ready func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		members, rooms := hub.Stats()
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ready (%d connections, %d rooms)", members, rooms)
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", time.Since(start))
		})
	}
}

// statusWriter captures the response status. It passes Hijack through so
// websocket upgrades keep working behind the logger.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// recoverer turns handler panics into 500 responses.
func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", "panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
					sendJSONError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
