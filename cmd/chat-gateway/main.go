// ABOUTME: Entry point for the chat-gateway server
// ABOUTME: Subcommands to serve, probe health, mint party tokens and write a config

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/gateway"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
       _           _                     _
   ___| |__   __ _| |_      __ _  __ _| |_ _____      ____ _ _   _
  / __| '_ \ / _' | __|____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (__| | | | (_| | ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \___|_| |_|\__,_|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                            |___/                             |___/
`

func usage() {
	fmt.Println("Usage: chat-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  health                             Check HTTP and gRPC health")
	fmt.Println("  token --party ID [--ttl 720h]      Issue a token for a participant")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Assistant: %s\n", cfg.Assistant.Provider)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      anonymous (no jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting chat-gateway",
		"version", version,
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	body, httpErr := gateway.ProbeHTTP(ctx, http.DefaultClient, "http://"+cfg.Server.HTTPAddr)
	if httpErr != nil {
		red.Print("✗ ")
		fmt.Printf("HTTP  %v\n", httpErr)
	} else {
		green.Print("✓ ")
		fmt.Printf("HTTP  %s\n", body)
	}

	grpcErr := gateway.ProbeGRPC(ctx, cfg.Server.GRPCAddr)
	if grpcErr != nil {
		red.Print("✗ ")
		fmt.Printf("gRPC  %v\n", grpcErr)
	} else {
		green.Print("✓ ")
		fmt.Println("gRPC  serving")
	}

	if httpErr != nil || grpcErr != nil {
		return fmt.Errorf("unhealthy")
	}
	fmt.Println("healthy")
	return nil
}

// parseTokenArgs supports both "--flag value" and "--flag=value" formats.
func parseTokenArgs(args []string) (party string, ttl time.Duration, err error) {
	ttl = 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--party", "-p", "--ttl":
		default:
			if strings.HasPrefix(arg, "-") {
				return "", 0, fmt.Errorf("unknown flag: %s", arg)
			}
			return "", 0, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return "", 0, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		if name == "--ttl" {
			ttl, err = time.ParseDuration(value)
			if err != nil {
				return "", 0, fmt.Errorf("invalid --ttl: %w", err)
			}
			continue
		}
		party = strings.TrimSpace(value)
	}

	if party == "" {
		return "", 0, fmt.Errorf("--party flag is required")
	}
	return party, ttl, nil
}

func runToken(args []string) error {
	party, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; the gateway accepts X-Party-ID without tokens")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(party, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "token for %s", party)
	if ttl > 0 {
		fmt.Fprintf(os.Stderr, " (expires %s)", time.Now().Add(ttl).Format(time.RFC3339))
	}
	fmt.Fprintln(os.Stderr)
	fmt.Println(token)
	return nil
}
