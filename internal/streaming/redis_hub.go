package streaming

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/pkg/schema"
)

const redisChannelPrefix = "flowsync:diagram:"

// RedisHub is a Hub backed by Redis pub/sub, letting several relay instances
// serve the same diagram.
type RedisHub struct {
	client *redis.Client
	logger *slog.Logger
	buffer int
}

// NewRedisHub creates a RedisHub on an existing client.
func NewRedisHub(client *redis.Client, logger *slog.Logger) *RedisHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{
		client: client,
		logger: logger.With(slog.String("component", "redis_hub")),
		buffer: defaultChannelBuffer,
	}
}

// ChannelName returns the Redis channel carrying frames of diagramID.
func ChannelName(diagramID string) string {
	return redisChannelPrefix + diagramID
}

// Publish sends the encoded frame on the diagram's Redis channel.
func (h *RedisHub) Publish(ctx context.Context, env Envelope) error {
	if env.DiagramID == "" {
		return schema.NewError(schema.ErrCodeValidation, "envelope has no diagram id")
	}
	if err := h.client.Publish(ctx, ChannelName(env.DiagramID), env.Frame.Encode()).Err(); err != nil {
		return schema.NewError(schema.ErrCodeTransport, "redis publish failed").WithDiagram(env.DiagramID).WithCause(err)
	}
	return nil
}

// Subscribe listens on one diagram channel, or on all of them when the filter
// has no diagram id.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var ps *redis.PubSub
	if filter.DiagramID != "" {
		ps = h.client.Subscribe(ctx, ChannelName(filter.DiagramID))
	} else {
		ps = h.client.PSubscribe(ctx, redisChannelPrefix+"*")
	}
	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, schema.NewError(schema.ErrCodeTransport, "redis subscribe failed").WithCause(err)
	}

	out := make(chan Envelope, h.buffer)
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				f, err := transport.DecodeFrame([]byte(msg.Payload))
				if err != nil {
					h.logger.Warn("dropping malformed frame", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				env := Envelope{DiagramID: strings.TrimPrefix(msg.Channel, redisChannelPrefix), Frame: f}
				if !filter.Match(env) {
					continue
				}
				select {
				case out <- env:
				default:
					h.logger.Warn("evicting slow subscriber", slog.String("diagram_id", env.DiagramID), slog.String("client_id", filter.ClientID))
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
