package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketServer exposes the same envelope protocol as UnixSocketServer
// over a ws:// listener, enforcing an optional CORS origin whitelist on
// upgrade.
type WebSocketServer struct {
	addr           string
	allowedOrigins map[string]bool
	dispatcher     Dispatcher
	hub            *Hub

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewWebSocketServer creates a server bound to addr ("host:port"). An empty
// allowedOrigins whitelist allows any origin.
func NewWebSocketServer(addr string, allowedOrigins []string, dispatcher Dispatcher, hub *Hub) *WebSocketServer {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketServer{addr: addr, allowedOrigins: origins, dispatcher: dispatcher, hub: hub}
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	return s.allowedOrigins[r.Header.Get("Origin")]
}

// Start begins listening in the background. It does not block.
func (s *WebSocketServer) Start() error {
	upgrader := &websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedOrigins) > 0 && r.Header.Get("Origin") != "" && !s.checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	})

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func (s *WebSocketServer) handleConn(conn *websocket.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	clientID := uuid.NewString()
	writer := &wsWriter{conn: conn}
	s.hub.Connect(clientID, writer)
	defer s.hub.Disconnect(clientID)

	_ = writer.WriteEnvelope(map[string]any{
		"event":     "transport:connected",
		"data":      map[string]string{"client_id": clientID},
		"timestamp": time.Now().UTC(),
	})

	for {
		_, line, err := conn.ReadMessage()
		if err != nil {
			return
		}
		handleEnvelopeLine(context.Background(), s.dispatcher, s.hub, clientID, line, writer)
	}
}

// Stop gracefully shuts the HTTP listener down, bounded by ctx, and waits
// for any connection handlers still draining.
func (s *WebSocketServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// wsWriter serializes concurrent writes to a single websocket connection —
// gorilla/websocket connections are not safe for concurrent writers.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteEnvelope(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}
