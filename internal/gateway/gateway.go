// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires store, hub, conversation service and auth, and owns the listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/chat-gateway/internal/assistant"
	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
)

// Errors reported by /health/ready.
var (
	ErrNotStarted   = errors.New("gateway not started")
	ErrShuttingDown = errors.New("gateway shutting down")
)

// Gateway orchestrates the chat-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	hub          *realtime.Hub
	conversation *conversation.Service
	authn        *auth.Authenticator
	verifier     *auth.JWTVerifier // nil in anonymous mode
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	serving  atomic.Bool
	stopping atomic.Bool

	addrMu   sync.RWMutex
	grpcAddr net.Addr
	httpAddr net.Addr
	started  chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the configured SQLite database.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newAuthenticator builds the identity collaborator. An empty secret runs
// in anonymous mode.
func newAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, *auth.JWTVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		return auth.NewAuthenticator(nil, logger), nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("HTTP auth enabled (JWT)")
	return auth.NewAuthenticator(verifier, logger), verifier, nil
}

// New creates a Gateway over the configured database.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway over s. The gateway owns s and closes it
// on shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	authn, verifier, err := newAuthenticator(cfg, logger)
	if err != nil {
		return nil, err
	}

	replier, err := assistant.New(assistant.Config{
		Provider:     cfg.Assistant.Provider,
		Model:        cfg.Assistant.Model,
		APIKey:       cfg.Assistant.APIKey,
		BaseURL:      cfg.Assistant.BaseURL,
		SystemPrompt: cfg.Assistant.SystemPrompt,
		CannedReply:  cfg.Assistant.CannedReply,
		MaxTokens:    int64(cfg.Assistant.MaxTokens),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating assistant: %w", err)
	}
	if replier != nil {
		logger.Info("automated replies enabled", "provider", cfg.Assistant.Provider)
	}

	hub := realtime.NewHub(cfg.Realtime.SendBuffer, logger)
	svc := conversation.NewService(s, hub, replier, conversation.ServiceConfig{
		Modes: conversation.ModeConfig{
			MaxConcurrent: int64(cfg.Assistant.MaxConcurrent),
			Timeout:       cfg.Assistant.Timeout,
			HistoryLimit:  cfg.Assistant.HistoryLimit,
		},
		RetryWindow: cfg.Realtime.RetryWindow,
	}, logger)

	grpcServer, hs := newGRPCServer(logger.With("component", "grpc"))

	gw := &Gateway{
		config:       cfg,
		store:        s,
		hub:          hub,
		conversation: svc,
		authn:        authn,
		verifier:     verifier,
		grpcServer:   grpcServer,
		health:       hs,
		logger:       logger.With("component", "gateway"),
		started:      make(chan struct{}),
	}

	handler := NewRouter(RouterConfig{
		Service: svc,
		Auth:    authn,
		Realtime: realtime.HandlerConfig{
			PingInterval:   cfg.Realtime.PingInterval,
			WriteTimeout:   cfg.Realtime.WriteTimeout,
			AllowedOrigins: cfg.Realtime.AllowedOrigins,
		},
		Ready:  gw.ready,
		Logger: logger,
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Service returns the conversation service.
func (g *Gateway) Service() *conversation.Service {
	return g.conversation
}

// Verifier returns the JWT verifier, or nil in anonymous mode.
func (g *Gateway) Verifier() *auth.JWTVerifier {
	return g.verifier
}

// Started is closed once both listeners are bound.
func (g *Gateway) Started() <-chan struct{} {
	return g.started
}

// HTTPAddr returns the bound HTTP address, or nil before Started.
func (g *Gateway) HTTPAddr() net.Addr {
	g.addrMu.RLock()
	defer g.addrMu.RUnlock()
	return g.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil before Started.
func (g *Gateway) GRPCAddr() net.Addr {
	g.addrMu.RLock()
	defer g.addrMu.RUnlock()
	return g.grpcAddr
}

func (g *Gateway) ready() error {
	if g.stopping.Load() {
		return ErrShuttingDown
	}
	if !g.serving.Load() {
		return ErrNotStarted
	}
	return nil
}

// listeners are the bound server sockets.
type listeners struct {
	grpc net.Listener
	http net.Listener
}

// listen binds the gRPC and HTTP sockets on the tailnet when Tailscale is
// enabled, otherwise on the configured TCP addresses.
func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	srv := g.config.Server
	if g.config.Tailscale.Enabled {
		if srv.GRPCAddr != "" || srv.HTTPAddr != "" {
			g.logger.Warn("server addresses are ignored when tailscale is enabled",
				"grpc_addr", srv.GRPCAddr,
				"http_addr", srv.HTTPAddr,
			)
		}
		return g.listenTailnet(ctx)
	}

	g.logger.Info("starting gateway", "grpc_addr", srv.GRPCAddr, "http_addr", srv.HTTPAddr)
	grpcLn, err := net.Listen("tcp", srv.GRPCAddr)
	if err != nil {
		return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
	}
	httpLn, err := net.Listen("tcp", srv.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return listeners{grpc: grpcLn, http: httpLn}, nil
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	lns, err := g.listen(ctx)
	if err != nil {
		return err
	}

	g.addrMu.Lock()
	g.grpcAddr = lns.grpc.Addr()
	g.httpAddr = lns.http.Addr()
	g.addrMu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", lns.grpc.Addr().String())
		if err := g.grpcServer.Serve(lns.grpc); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", lns.http.Addr().String())
		if err := g.httpServer.Serve(lns.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.serving.Store(true)
	setServing(g.health, true)
	close(g.started)

	// Ends on cancellation or on the first server failure
	<-groupCtx.Done()
	if ctx.Err() != nil {
		g.logger.Info("context canceled, initiating shutdown")
	}

	// The caller's context is already done, so shutdown gets its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if err := group.Wait(); err != nil {
		g.logger.Error("server error", "error", err)
		return err
	}
	return shutdownErr
}

// stopGRPC drains in-flight RPCs, or cuts them off when ctx expires first.
func (g *Gateway) stopGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.grpcServer.GracefulStop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("forcing gRPC stop", "error", ctx.Err())
		g.grpcServer.Stop()
		<-done
	}
}

// Shutdown stops all gateway servers and releases resources. Websocket
// clients get a going-away close frame. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.stopping.Store(true)
	g.health.Shutdown()

	// Hijacked websocket connections are not tracked by the HTTP server
	g.hub.Close()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.stopGRPC(ctx)

	// Stops reply workers before the store goes away
	g.conversation.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
