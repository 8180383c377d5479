package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/transport"
)

const eventBuffer = 64

// Subscribe opens the server's change stream for collection. The stream is
// not redialed: when the connection drops the Events channel closes and the
// store decides what to do.
func (c *Client) Subscribe(ctx context.Context, collection string, filter record.Filter) (gateway.Subscription, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return nil, err
	}
	query, err := transport.EncodeQuery(filter, nil)
	if err != nil {
		return nil, err
	}

	u := c.endpoint(collectionPath(collection)+"/changes", query)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("subscribe %s: %w", collection, decodeError(resp))
		}
		return nil, fmt.Errorf("subscribe %s: %w: %v", collection, gateway.ErrSubscriptionUnavailable, err)
	}

	sub := &subscription{
		conn:   conn,
		events: make(chan record.ChangeEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	readTimeout := c.readTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	logger := c.logger.With("collection", collection)
	go sub.read(logger)
	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	events chan record.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan record.ChangeEvent {
	return s.events
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *subscription) read(logger *slog.Logger) {
	defer close(s.events)
	for {
		var ev record.ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
			default:
				logger.Info("change stream closed", "error", err)
				_ = s.conn.Close()
			}
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
