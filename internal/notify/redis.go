package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "queue.stream"

// RedisSink appends every notification to a stream and publishes it on the
// notification's channels, prefixed with ChannelPrefix.
type RedisSink struct {
	Client        *redis.Client
	Stream        string
	ChannelPrefix string
	MaxLen        int64
}

// NewRedisSink parses a redis:// or rediss:// URL.
func NewRedisSink(url, stream, channelPrefix string, maxLen int64) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisSink{
		Client:        redis.NewClient(opt),
		Stream:        stream,
		ChannelPrefix: channelPrefix,
		MaxLen:        maxLen,
	}, nil
}

func (s *RedisSink) stream() string {
	if s.Stream == "" {
		return DefaultStream
	}
	return s.Stream
}

func (s *RedisSink) channel(name string) string {
	if s.ChannelPrefix == "" {
		return name
	}
	return s.ChannelPrefix + "." + name
}

func (s *RedisSink) xaddArgs(n Notification, payload []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: s.stream(),
		MaxLen: s.MaxLen,
		Approx: s.MaxLen > 0,
		Values: []interface{}{
			"event", string(n.Kind),
			"ticket_id", n.Ticket.ID,
			"queue_id", n.Ticket.QueueID,
			"tenant_id", n.Ticket.TenantID,
			"payload", string(payload),
		},
	}
}

func (s *RedisSink) Emit(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.Client.XAdd(ctx, s.xaddArgs(n, payload)).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream(), err)
	}
	for _, ch := range n.Channels() {
		if err := s.Client.Publish(ctx, s.channel(ch), string(payload)).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", s.channel(ch), err)
		}
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.Client.Close()
}
