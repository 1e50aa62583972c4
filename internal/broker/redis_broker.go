// RedisBroker is the production Message I/O Adapter. It implements the same
// at-least-once, ack-required queue semantics as a Disque-style job queue
// (ADDJOB/GETJOB/ACKJOB) on top of plain Redis Streams with consumer groups
// (XADD/XREADGROUP/XACK), which is the idiomatic Go equivalent for this
// job-queue shape.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// consumerGroup is shared by every kernel process reading a given stream;
// consumerName distinguishes this process within the group so a crash
// leaves its unacked entries claimable rather than lost.
const consumerGroup = "plutoid-kernel"

// RedisBroker implements Broker on top of Redis Streams.
type RedisBroker struct {
	client       *redis.Client
	consumerName string
	groups       map[string]bool
}

// RedisConfig configures a RedisBroker connection.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	ConsumerName string

	DialTimeout time.Duration
}

// NewRedis dials addr and verifies connectivity with exponential backoff
// before returning.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	pingErr := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
	if pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: connect to redis at %s: %w", cfg.Addr, pingErr)
	}

	return &RedisBroker{
		client:       client,
		consumerName: cfg.ConsumerName,
		groups:       make(map[string]bool),
	}, nil
}

const payloadField = "payload"

// Send appends payload to the stream named queue.
func (b *RedisBroker) Send(ctx context.Context, queue string, payload []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: xadd %s: %w", queue, err)
	}
	return nil
}

// GetMessages reads new entries for queue via a consumer group, creating
// the group (and the stream, if absent) on first use. It blocks up to
// timeout waiting for at least one entry. Only entries never yet delivered
// to the group are read (">"): an entry that was delivered but not acked
// stays in the group's pending list and is not returned by any later
// GetMessages call, and pending entries are never claimed.
func (b *RedisBroker) GetMessages(ctx context.Context, queue string, timeout time.Duration) ([]Message, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: b.consumerName,
		Streams:  []string{queue, ">"},
		Count:    64,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: xreadgroup %s: %w", queue, err)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, _ := entry.Values[payloadField].(string)
			out = append(out, Message{
				Queue:    queue,
				SystemID: queue + "|" + entry.ID,
				Payload:  []byte(raw),
			})
		}
	}
	return out, nil
}

// ensureGroup creates the consumer group at the start of the stream if it
// doesn't already exist. MKSTREAM creates the stream itself when absent.
func (b *RedisBroker) ensureGroup(ctx context.Context, queue string) error {
	if b.groups[queue] {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, queue, consumerGroup, "0").Err()
	if err != nil && !isGroupExistsErr(err) {
		return fmt.Errorf("broker: create consumer group on %s: %w", queue, err)
	}
	b.groups[queue] = true
	return nil
}

func isGroupExistsErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Ack acknowledges a message previously returned by GetMessages. systemID
// is the "queue|entryID" composite produced by GetMessages.
func (b *RedisBroker) Ack(ctx context.Context, systemID string) error {
	queue, entryID, err := splitSystemID(systemID)
	if err != nil {
		return err
	}
	if err := b.client.XAck(ctx, queue, consumerGroup, entryID).Err(); err != nil {
		return fmt.Errorf("broker: xack %s %s: %w", queue, entryID, err)
	}
	return nil
}

func splitSystemID(systemID string) (queue, entryID string, err error) {
	queue, entryID, ok := strings.Cut(systemID, "|")
	if !ok {
		return "", "", fmt.Errorf("broker: malformed systemID %q", systemID)
	}
	return queue, entryID, nil
}

// Close closes the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
