package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/yoockh/audioproctor/internal/models"
)

// Channel is the per-exam monitoring channel.
func Channel(examID string) string { return "exam:" + examID + ":monitor" }

// RedisNotifier fans flag events out over Pub/Sub. Delivery is best effort:
// subscribers that are not connected miss the event.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Publish(ctx context.Context, examID string, ev models.MonitorEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, Channel(examID), b).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, examID string) *redis.PubSub {
	return n.rdb.Subscribe(ctx, Channel(examID))
}

func Encode(ev models.MonitorEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// Watch subscribes to the exam's channel and yields raw event payloads until
// ctx ends or stop is called.
func (n *RedisNotifier) Watch(ctx context.Context, examID string) (<-chan []byte, func(), error) {
	sub := n.Subscribe(ctx, examID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 16)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
