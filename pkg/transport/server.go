// Package transport implements the daemon's two wire transports (C9):
// a Unix-domain stream socket and a WebSocket server, both carrying
// line-delimited JSON envelopes through one shared dispatcher and
// broadcast hub.
package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/durapensa/ksi/pkg/config"
)

// Set owns the configured transports' lifecycle — started together at
// daemon startup, stopped together (bounded by a timeout) at shutdown.
type Set struct {
	unix *UnixSocketServer
	ws   *WebSocketServer
	hub  *Hub
}

// NewSet builds the configured transports from cfg. The WebSocket
// transport is omitted when cfg.WebSocketAddr is empty.
func NewSet(cfg *config.TransportConfig, dispatcher Dispatcher, match MatchFunc) *Set {
	hub := NewHub(match)
	s := &Set{hub: hub}
	s.unix = NewUnixSocketServer(cfg.UnixSocketPath, dispatcher, hub)
	if cfg.WebSocketAddr != "" {
		s.ws = NewWebSocketServer(cfg.WebSocketAddr, cfg.AllowedOrigins, dispatcher, hub)
	}
	return s
}

// Hub exposes the shared broadcast hub so the routing/monitor module can
// push events matching client subscriptions.
func (s *Set) Hub() *Hub {
	return s.hub
}

// Start brings up every configured transport.
func (s *Set) Start() error {
	if err := s.unix.Start(); err != nil {
		return err
	}
	if s.ws != nil {
		if err := s.ws.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts down every transport, giving each up to the default 30s
// before forcing the connections closed.
func (s *Set) Stop() {
	s.StopWithTimeout(30 * time.Second)
}

// StopWithTimeout shuts down every transport, bounding the wait for
// in-flight connections to drain.
func (s *Set) StopWithTimeout(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.unix.Stop(ctx); err != nil {
		slog.Warn("unix socket transport did not stop cleanly", "error", err)
	}
	if s.ws != nil {
		if err := s.ws.Stop(ctx); err != nil {
			slog.Warn("websocket transport did not stop cleanly", "error", err)
		}
	}
}
