package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"marketwatch/watcher-service/internal/model"
)

// Redis event types.
const (
	EventItemFound      = "EVENT_ITEM_FOUND"
	EventSchedulerAlert = "EVENT_SCHEDULER_ALERT"
)

// RedisEvents publishes items and alerts on the Redis event bus so other
// services can react without polling the database.
type RedisEvents struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisEvents returns a Redis pub/sub channel. Events go to
// "<prefix>:<EVENT>" or just "<EVENT>" when prefix is empty.
func NewRedisEvents(rdb *redis.Client, prefix string) *RedisEvents {
	return &RedisEvents{rdb: rdb, prefix: prefix}
}

func (r *RedisEvents) Name() string { return "redis" }

// Topic returns the pub/sub channel name for an event type.
func (r *RedisEvents) Topic(event string) string {
	if r.prefix == "" {
		return event
	}
	return r.prefix + ":" + event
}

func (r *RedisEvents) Send(ctx context.Context, msg Message) error {
	return r.publish(ctx, EventItemFound, map[string]any{
		"type":       EventItemFound,
		"itemId":     msg.Item.ID,
		"externalId": msg.Item.ExternalID,
		"searchId":   msg.Search.ID,
		"title":      msg.Item.Title,
		"price":      msg.Item.Price,
		"currency":   msg.Item.Currency,
		"url":        msg.Item.URL,
	})
}

func (r *RedisEvents) SendAlert(ctx context.Context, alert model.Alert) error {
	return r.publish(ctx, EventSchedulerAlert, map[string]any{
		"type":       EventSchedulerAlert,
		"job":        alert.Key.String(),
		"label":      alert.Label,
		"errorCount": alert.ErrorCount,
		"lastError":  alert.LastError,
	})
}

func (r *RedisEvents) publish(ctx context.Context, event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.Topic(event), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}
