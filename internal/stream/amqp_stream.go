package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// AMQPSource consumes ride lifecycle events from a queue, for deployments
// that fan offers out over a message broker instead of a realtime feed.
type AMQPSource struct {
	url   string
	queue string
	log   *slog.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
}

func NewAMQPSource(url, queue string, log *slog.Logger) *AMQPSource {
	return &AMQPSource{url: url, queue: queue, log: log}
}

func (s *AMQPSource) Open(ctx context.Context) (<-chan Event, error) {
	conn, err := amqp091.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	deliveries, err := ch.Consume(s.queue, "driver-agent-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consuming %s: %w", s.queue, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for d := range deliveries {
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				s.log.Warn("invalid lifecycle message", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
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

func (s *AMQPSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
