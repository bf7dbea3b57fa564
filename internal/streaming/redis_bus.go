package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every Redis channel used by the bus.
const DefaultPrefix = "stagecraft:"

// RedisBus is a Bus over Redis pub/sub. Each topic maps to one Redis channel
// and messages travel as JSON.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithPrefix overrides the channel prefix.
func WithPrefix(p string) RedisOption {
	return func(b *RedisBus) { b.prefix = p }
}

// WithRedisLogger sets the logger used for dropped or malformed messages.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) { b.logger = l }
}

// NewRedisBus wraps an existing client. The bus does not own the client.
func NewRedisBus(client *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{client: client, prefix: DefaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func (b *RedisBus) channel(topic string) string { return b.prefix + topic }

// Publish encodes msg and publishes it on the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(msg.Topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription. An empty topic
// list subscribes to every channel under the prefix.
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error) {
	var ps *redis.PubSub
	if len(filter.Topics) == 0 {
		ps = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		channels := make([]string, len(filter.Topics))
		for i, t := range filter.Topics {
			channels[i] = b.channel(t)
		}
		ps = b.client.Subscribe(ctx, channels...)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Message, defaultChannelBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-stop:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("dropping malformed bus message",
						slog.String("channel", raw.Channel), slog.String("error", err.Error()))
					continue
				}
				if !filter.Match(msg) {
					continue
				}
				select {
				case out <- msg:
				default:
					b.logger.Warn("dropping bus message for slow subscriber", slog.String("topic", msg.Topic))
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = ps.Close()
			<-done
		})
	}
	return out, cancel, nil
}
