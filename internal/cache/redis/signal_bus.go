package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

const (
	defaultStreamMaxLen int64 = 10000
	subscriberBuffer          = 128
	payloadField              = "payload"
)

// SignalBus implements domain.SignalBus. Settlement events go out on Pub/Sub
// for live consumers and on a capped stream for replay. Channel and stream
// names are namespaced under the client's prefix.
type SignalBus struct {
	client *Client
	maxLen int64
}

// NewSignalBus creates a SignalBus whose streams are trimmed to about
// 10000 entries.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c, maxLen: defaultStreamMaxLen}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.rdb.Publish(ctx, sb.client.Key("bus", channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads that is closed, together with the
// subscription, when ctx is cancelled. A slow reader applies backpressure to
// this subscription only.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.client.rdb.Subscribe(ctx, sb.client.Key("bus", channel))

	// Wait for the subscribe confirmation so no publish after return is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamAppend adds payload to the stream with an approximate MAXLEN trim.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.Key("stream", stream),
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start,
// "$" for new entries only). An empty stream is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.client.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.client.Key("stream", stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values[payloadField].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
