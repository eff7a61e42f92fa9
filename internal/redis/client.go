// Package redis bridges the workload's local Redis stream into the queue
// store. Entries are read with a consumer group, enqueued, then acknowledged
// and deleted; a crash between enqueue and ack yields a duplicate, never a
// loss.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// Stream entry fields written by the workload.
const (
	FieldKind = "kind"
	FieldBody = "body"
)

// Enqueuer accepts validated outbound messages. *store.Store satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg message.Outbound) (int64, error)
}

// Client manages the ingest stream and its consumer group
type Client struct {
	rdb          redis.Cmdable
	close        func() error
	stream       string
	group        string
	consumer     string
	batchSize    int64
	blockTimeout time.Duration
	claimIdle    time.Duration
	claimCursor  string
	sink         Enqueuer
	log          *log.Logger
}

// NewClient connects to Redis and joins (or creates) the consumer group
func NewClient(cfg *config.IngestConfig, sink Enqueuer, logger *log.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := newClient(rdb, cfg, sink, logger)
	c.close = rdb.Close
	if err := c.ensureGroup(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("Ingesting from stream '%s' as %s/%s", c.stream, c.group, c.consumer)
	return c, nil
}

func newClient(rdb redis.Cmdable, cfg *config.IngestConfig, sink Enqueuer, logger *log.Logger) *Client {
	return &Client{
		rdb:          rdb,
		stream:       cfg.Stream,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		batchSize:    int64(cfg.BatchSize),
		blockTimeout: cfg.BlockTimeout,
		claimIdle:    cfg.ClaimIdle,
		claimCursor:  "0-0",
		sink:         sink,
		log:          logger,
	}
}

func (c *Client) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			c.log.Info("Consumer group '%s' already exists for stream '%s', joining existing group", c.group, c.stream)
			return nil
		}
		return fmt.Errorf("failed to create consumer group for stream %s: %w", c.stream, err)
	}
	c.log.Info("Created consumer group '%s' for stream '%s'", c.group, c.stream)
	return nil
}

// ReadBatch fetches new entries using XREADGROUP. It blocks up to the
// configured block timeout and returns an empty slice when nothing arrived.
func (c *Client) ReadBatch(ctx context.Context) ([]redis.XMessage, error) {
	result, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var entries []redis.XMessage
	for _, s := range result {
		entries = append(entries, s.Messages...)
	}
	return entries, nil
}

// ClaimIdle takes over entries left pending longer than the claim idle time,
// typically by a consumer that crashed between enqueue and ack. Successive
// calls walk the pending list with XAUTOCLAIM's cursor.
func (c *Client) ClaimIdle(ctx context.Context) ([]redis.XMessage, error) {
	claimed, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimIdle,
		Start:    c.claimCursor,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	c.claimCursor = next
	return claimed, nil
}

// Ingest enqueues entries into the store and removes them from the stream.
// Invalid entries are dropped with a warning. A store error stops the batch
// and is returned; the remaining entries stay pending and are reclaimed
// later.
func (c *Client) Ingest(ctx context.Context, entries []redis.XMessage) (int, error) {
	enqueued := 0
	for _, entry := range entries {
		out, err := decodeEntry(entry.Values)
		if err != nil {
			c.log.Warn("Dropping invalid stream entry %s: %v", entry.ID, err)
			c.ackAndDelete(ctx, entry.ID)
			continue
		}

		id, err := c.sink.Enqueue(ctx, out)
		if err != nil {
			return enqueued, fmt.Errorf("enqueue stream entry %s: %w", entry.ID, err)
		}
		enqueued++
		c.log.Debug("Stream entry %s enqueued as message %d (%s)", entry.ID, id, out.Kind())
		c.ackAndDelete(ctx, entry.ID)
	}
	return enqueued, nil
}

// ackAndDelete failures are logged only; the entry is reclaimed and
// enqueued again.
func (c *Client) ackAndDelete(ctx context.Context, id string) {
	if err := c.AckAndDelete(ctx, id); err != nil {
		c.log.Warn("%v", err)
	}
}

// AckAndDelete acknowledges and deletes an entry from the stream
func (c *Client) AckAndDelete(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("xack failed for entry %s in stream %s: %w", id, c.stream, err)
	}
	if err := c.rdb.XDel(ctx, c.stream, id).Err(); err != nil {
		return fmt.Errorf("xdel failed for entry %s in stream %s: %w", id, c.stream, err)
	}
	return nil
}

// decodeEntry turns the kind and body fields of a stream entry into a
// validated outbound message.
func decodeEntry(values map[string]interface{}) (message.Outbound, error) {
	rawKind, _ := values[FieldKind].(string)
	kind, err := message.ParseKind(rawKind)
	if err != nil {
		return message.Outbound{}, err
	}
	rawBody, _ := values[FieldBody].(string)
	if rawBody == "" {
		return message.Outbound{}, fmt.Errorf("%w: entry without %s field", message.ErrInvalid, FieldBody)
	}
	body, err := message.DecodeBody(kind, []byte(rawBody))
	if err != nil {
		return message.Outbound{}, err
	}
	return message.New(body)
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	if c.close != nil {
		return c.close()
	}
	return nil
}
