package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-agent/internal/models"
)

// RedisSink implements Sink using Redis GEO commands, for deployments where
// the dispatch backend indexes drivers in Redis instead of Postgres.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(addr, password, key string) *RedisSink {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisSink{client: c, key: key}
}

func (s *RedisSink) UpsertLocation(ctx context.Context, driverID string, loc models.Location, online bool, at time.Time) error {
	if err := s.client.GeoAdd(ctx, s.key, &redis.GeoLocation{
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
		Name:      driverID,
	}).Err(); err != nil {
		return err
	}
	meta := map[string]interface{}{
		"online":      strconv.FormatBool(online),
		"recorded_at": at.Format(time.RFC3339),
	}
	if loc.Heading != nil {
		meta["heading"] = *loc.Heading
	}
	if loc.Speed != nil {
		meta["speed"] = *loc.Speed
	}
	if loc.Accuracy != nil {
		meta["accuracy"] = *loc.Accuracy
	}
	return s.client.HSet(ctx, metaKey(driverID), meta).Err()
}

// Heartbeat refreshes the driver's liveness metadata.
func (s *RedisSink) Heartbeat(ctx context.Context, driverID string, batteryLevel int) error {
	return s.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"battery_level": batteryLevel,
		"recorded_at":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
