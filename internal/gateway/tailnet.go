// ABOUTME: Tailscale listeners for running the gateway as a tailnet node
// ABOUTME: Binds gRPC on :50051 and HTTP on :80, :443 with tailnet certs, or a public Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/chat-gateway/internal/config"
)

const (
	tailnetGRPCPort  = ":50051"
	tailnetHTTPPort  = ":80"
	tailnetHTTPSPort = ":443"
)

var errNoTailscaleAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// resolveTailscaleStateDir returns the node state directory, defaulting to
// ~/.local/share/chat-gateway/tailscale.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tailscale.state_dir is unset and the home directory is unknown: %w", err)
	}
	return filepath.Join(home, ".local", "share", "chat-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey prefers the configured key over TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	for _, key := range []string{configured, os.Getenv("TS_AUTHKEY")} {
		if key != "" {
			return key, nil
		}
	}
	return "", errNoTailscaleAuthKey
}

// tailnetURL is the base URL chat clients dial on the tailnet.
func tailnetURL(tsCfg config.TailscaleConfig, dnsName, hostname string) string {
	host := dnsName
	if host == "" {
		host = hostname
	}
	scheme := "http"
	if tsCfg.HTTPS || tsCfg.Funnel {
		scheme = "https"
	}
	return scheme + "://" + host
}

// tailnetNode tracks what has been opened so a failed startup can unwind it.
type tailnetNode struct {
	srv    *tsnet.Server
	opened []net.Listener
}

func (n *tailnetNode) abort(err error) error {
	for i := len(n.opened) - 1; i >= 0; i-- {
		_ = n.opened[i].Close()
	}
	_ = n.srv.Close()
	return err
}

// httpListener picks Funnel, tailnet TLS or plain HTTP from the config.
func (n *tailnetNode) httpListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		return n.srv.ListenFunnel("tcp", tailnetHTTPSPort)
	case !tsCfg.HTTPS:
		return n.srv.Listen("tcp", tailnetHTTPPort)
	}

	ln, err := n.srv.Listen("tcp", tailnetHTTPSPort)
	if err != nil {
		return nil, err
	}
	lc, err := n.srv.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// listenTailnet brings up the tsnet node and binds both servers on it.
func (g *Gateway) listenTailnet(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	node := &tailnetNode{srv: &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := node.srv.Up(ctx)
	if err != nil {
		return listeners{}, node.abort(fmt.Errorf("starting tailscale: %w", err))
	}
	g.logTailscaleStatus(tsCfg, status)

	grpcLn, err := node.srv.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		return listeners{}, node.abort(fmt.Errorf("listening on tailnet gRPC port: %w", err))
	}
	node.opened = append(node.opened, grpcLn)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS)", "port", tailnetHTTPSPort)
	} else if tsCfg.HTTPS {
		g.logger.Info("enabling HTTPS with tailscale certs", "port", tailnetHTTPSPort)
	}
	httpLn, err := node.httpListener(tsCfg)
	if err != nil {
		return listeners{}, node.abort(fmt.Errorf("listening on tailnet HTTP port: %w", err))
	}

	g.tsnetServer = node.srv
	return listeners{grpc: grpcLn, http: httpLn}, nil
}

// logTailscaleStatus logs the node address and the URL clients should use.
func (g *Gateway) logTailscaleStatus(tsCfg config.TailscaleConfig, status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready",
		"hostname", tsCfg.Hostname,
		"tailscale_ip", ip,
		"dns_name", dnsName,
		"client_url", tailnetURL(tsCfg, dnsName, tsCfg.Hostname))
}
