package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
)

// DefaultChannel is the pub/sub channel decisions are published on.
const DefaultChannel = "cloudsim:decisions"

var _ events.Publisher = (*Cache)(nil)

// PublishDecision publishes one decision on the configured channel.
func (c *Cache) PublishDecision(ctx context.Context, d events.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return c.client.Publish(ctx, c.channel, data).Err()
}

// SubscribeDecisions streams decisions published by any run until ctx is
// done.
func (c *Cache) SubscribeDecisions(ctx context.Context) <-chan events.Decision {
	pubsub := c.client.Subscribe(ctx, c.channel)
	out := make(chan events.Decision, 100)

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
				var d events.Decision
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					c.logger.Warn("Failed to unmarshal decision", zap.Error(err))
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
