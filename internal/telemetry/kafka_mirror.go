package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-agent/internal/models"
)

// KafkaMirror fans accepted samples out to a topic keyed by driver id, for
// analytics pipelines. Best effort: the loop never retries mirror publishes.
type KafkaMirror struct {
	writer *kafka.Writer
}

func NewKafkaMirror(brokers []string, topic string) *KafkaMirror {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaMirror{writer: w}
}

type locationMessage struct {
	DriverID string          `json:"driver_id"`
	Location models.Location `json:"location"`
	Online   bool            `json:"online"`
	At       time.Time       `json:"at"`
}

func (m *KafkaMirror) UpsertLocation(ctx context.Context, driverID string, loc models.Location, online bool, at time.Time) error {
	b, err := json.Marshal(locationMessage{DriverID: driverID, Location: loc, Online: online, At: at})
	if err != nil {
		return err
	}
	return m.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

func (m *KafkaMirror) Close() error {
	if m.writer == nil {
		return nil
	}
	return m.writer.Close()
}
