package redis

import (
	"context"
	"fmt"
	"time"
)

// CleanupDeadConsumers removes consumers idle longer than idleTimeout from
// the group. XGROUP DELCONSUMER drops the consumer's pending entries, so a
// consumer is only removed once ClaimIdle has taken all of them over.
func (c *Client) CleanupDeadConsumers(ctx context.Context, idleTimeout time.Duration) (int, error) {
	consumers, err := c.rdb.XInfoConsumers(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get consumers info: %w", err)
	}

	var removedCount int
	for _, consumer := range consumers {
		if consumer.Name == c.consumer {
			continue
		}
		if consumer.Idle <= idleTimeout {
			c.log.Debug("Consumer %s on stream %s is active (idle for %s)", consumer.Name, c.stream, consumer.Idle)
			continue
		}

		if consumer.Pending > 0 {
			c.log.Debug("Dead consumer %s still owns %d pending entries, waiting for claim", consumer.Name, consumer.Pending)
			continue
		}

		c.log.Info("Removing dead consumer %s from stream %s (idle for %s)", consumer.Name, c.stream, consumer.Idle)
		if err := c.rdb.XGroupDelConsumer(ctx, c.stream, c.group, consumer.Name).Err(); err != nil {
			c.log.Error("Failed to delete consumer %s from stream %s: %v", consumer.Name, c.stream, err)
			continue
		}
		removedCount++
	}
	return removedCount, nil
}
