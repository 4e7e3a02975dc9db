// Package tsnetutil opens the server listener, either as plain TCP or as a
// node on a tailnet.
package tsnetutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sebastianm/devbox/internal/config"
	"tailscale.com/client/local"
	"tailscale.com/tsnet"
)

// DefaultHostname is the tailnet device name used when none is configured.
const DefaultHostname = "devbox"

// ErrNoTailnet is returned by WhoIs on a plain TCP listener.
var ErrNoTailnet = errors.New("tailscale is not enabled")

// Listener wraps a net.Listener with optional Tailscale resources.
type Listener struct {
	net.Listener

	// TS is the underlying tsnet.Server (nil when Tailscale is disabled).
	TS *tsnet.Server

	// LC is the Tailscale local client (nil when Tailscale is disabled).
	LC *local.Client
}

// Peer identifies the tailnet user and machine behind a connection.
type Peer struct {
	Login string `json:"login"`
	Node  string `json:"node"`
}

// Close tears down the listener and, if present, the tsnet server.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.TS != nil {
		if tsErr := l.TS.Close(); tsErr != nil && err == nil {
			err = tsErr
		}
	}
	return err
}

// Tailnet reports whether connections arrive over Tailscale.
func (l *Listener) Tailnet() bool {
	return l.LC != nil
}

// WhoIs resolves the remote address of a tailnet connection.
func (l *Listener) WhoIs(ctx context.Context, remoteAddr string) (Peer, error) {
	if l.LC == nil {
		return Peer{}, ErrNoTailnet
	}
	who, err := l.LC.WhoIs(ctx, remoteAddr)
	if err != nil {
		return Peer{}, fmt.Errorf("whois %s: %w", remoteAddr, err)
	}
	node, _, _ := strings.Cut(who.Node.ComputedName, ".")
	return Peer{Login: who.UserProfile.LoginName, Node: node}, nil
}

// ListenAddr creates a Listener on addr. When tsCfg.Enabled is false a plain
// TCP listener is returned.
func ListenAddr(addr string, tsCfg config.TailscaleConfig) (*Listener, error) {
	if !tsCfg.Enabled {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen on %s: %w", addr, err)
		}
		return &Listener{Listener: ln}, nil
	}

	ts := newServer(tsCfg)
	if err := ts.Start(); err != nil {
		return nil, fmt.Errorf("starting tsnet server: %w", err)
	}

	lc, err := ts.LocalClient()
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}

	ln, err := ts.Listen("tcp", addr)
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("tsnet listen on %s: %w", addr, err)
	}

	// Certificates come from Tailscale's Let's Encrypt integration.
	var netLn net.Listener = ln
	if tsCfg.HTTPS {
		netLn = tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
		})
	}

	return &Listener{
		Listener: netLn,
		TS:       ts,
		LC:       lc,
	}, nil
}

func newServer(tsCfg config.TailscaleConfig) *tsnet.Server {
	ts := new(tsnet.Server)
	ts.Hostname = tsCfg.Hostname
	if ts.Hostname == "" {
		ts.Hostname = DefaultHostname
	}
	ts.Ephemeral = tsCfg.Ephemeral
	ts.AuthKey = tsCfg.AuthKey
	ts.ControlURL = tsCfg.ControlURL
	if tsCfg.Dir != "" {
		ts.Dir = tsCfg.Dir
	}
	return ts
}
