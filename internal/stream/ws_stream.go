package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/driver-agent/internal/models"
)

// WSSource subscribes to the backend's realtime feed over a websocket.
type WSSource struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSSource(url string, log *slog.Logger) *WSSource {
	return &WSSource{url: url, log: log}
}

type subscribeRequest struct {
	Table        string   `json:"table"`
	EventTypes   []string `json:"event_types"`
	StatusFilter string   `json:"status_filter,omitempty"`
}

func (s *WSSource) Open(ctx context.Context) (<-chan Event, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}
	req := subscribeRequest{
		Table:        "rides",
		EventTypes:   []string{EventInsert, EventUpdate},
		StatusFilter: models.OfferStatusPending,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to event stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					s.log.Warn("event stream disconnected", "error", err)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return out, nil
}

func (s *WSSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
