package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rpggio/chairside/internal/domain/record"
)

const (
	writeTimeout = 10 * time.Second
	maxReadBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleChanges streams change events for one collection over a WebSocket.
// Each text message is one JSON-encoded record.ChangeEvent. The socket is
// closed when the underlying subscription ends.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := record.ValidateCollection(collection); err != nil {
		WriteGatewayError(w, err)
		return
	}
	filter, _, err := ParseQuery(r.URL.Query())
	if err != nil {
		WriteGatewayError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before upgrading so failures reach the client as a status code.
	sub, err := s.gw.Subscribe(ctx, collection, filter)
	if err != nil {
		s.logger.Info("subscribe refused", "collection", collection, "error", err)
		WriteGatewayError(w, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "collection", collection, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("collection", collection, "remote", r.RemoteAddr)
	logger.Debug("change stream opened")

	readTimeout := 2 * s.ping
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Clients send nothing but control frames; reading drives pong handling
	// and notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				logger.Debug("change stream reader done", "error", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				logger.Info("subscription ended, closing change stream")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Info("change stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Info("change stream ping failed", "error", err)
				return
			}
		}
	}
}
