package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// bridgePayload is the message published to Redis for cross-process broadcast.
type bridgePayload struct {
	Origin  string  `json:"origin"`
	From    Context `json:"from"`
	Message Message `json:"message"`
	At      int64   `json:"at"`
}

// RedisBridge mirrors bus broadcasts to a Redis channel and replays broadcasts
// published by other processes onto the local bus.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

// NewRedisBridge creates a bridge on channel.
func NewRedisBridge(client *redis.Client, channel string, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Publish implements Mirror.
func (r *RedisBridge) Publish(from Context, msg Message) error {
	body, err := json.Marshal(bridgePayload{Origin: r.origin, From: from, Message: msg, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Attach subscribes to the channel and delivers remote broadcasts to bus.
// Messages this bridge published itself are skipped. Returns a cancel func.
func (r *RedisBridge) Attach(bus *Bus) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	bus.SetMirror(r)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var p bridgePayload
				if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
					r.logger.Warn("relay bridge: malformed payload", zap.Error(err))
					continue
				}
				if p.Origin == r.origin {
					continue
				}
				bus.deliverLocal(p.From, p.Message)
			}
		}
	}()
	return func() {
		bus.SetMirror(nil)
		cancelCtx()
	}, nil
}
