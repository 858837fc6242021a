// ABOUTME: Terminal client for chat-gateway conversations
// ABOUTME: Opens a conversation with one peer and keeps it live over a websocket session

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/client"
	"github.com/2389/chat-gateway/internal/session"
)

// Version is set at build time
var Version = "dev"

type options struct {
	server   string
	party    string
	peer     string
	token    string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "chat-client",
		Short:        "Chat with one peer through a chat-gateway",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", envOr("CHAT_SERVER", "http://localhost:8080"), "Gateway base URL")
	cmd.Flags().StringVar(&opts.party, "as", os.Getenv("CHAT_PARTY"), "Your party id (ignored by gateways that require tokens)")
	cmd.Flags().StringVar(&opts.peer, "with", "", "Party id to talk to")
	cmd.Flags().StringVar(&opts.token, "token", getToken(), "JWT issued by 'chat-gateway token' (default CHAT_TOKEN or ~/.config/chat-gateway/token)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level for connection diagnostics on stderr")
	_ = cmd.MarkFlagRequired("with")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the JWT from CHAT_TOKEN or the token file.
func getToken() string {
	if token := os.Getenv("CHAT_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "chat-gateway", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// identity is the party the gateway will see: the token subject when a
// token is given, otherwise --as.
func identity(opts options) (string, error) {
	if opts.token == "" {
		return strings.TrimSpace(opts.party), nil
	}
	sub, err := auth.Subject(opts.token)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if opts.party != "" && opts.party != sub {
		return "", fmt.Errorf("--as %q does not match token subject %q", opts.party, sub)
	}
	return sub, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.token == "" && strings.TrimSpace(opts.party) == "" {
		return fmt.Errorf("either --token or --as is required")
	}
	logger := newLogger(opts.logLevel)

	cl, err := client.New(client.Config{
		BaseURL: opts.server,
		Token:   opts.token,
		Party:   opts.party,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	self, err := identity(opts)
	if err != nil {
		return err
	}
	ctrl, err := session.New(session.Config{
		Party:     self,
		Dialer:    cl,
		Directory: cl,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	opened, err := ctrl.Open(ctx, opts.peer)
	if err != nil {
		return fmt.Errorf("opening conversation with %s: %w", opts.peer, err)
	}

	r := &repl{
		ctx:    ctx,
		client: cl,
		ctrl:   ctrl,
		self:   self,
		peer:   opts.peer,
		out:    out,
	}
	r.printOpened(opened)
	return r.loop()
}
