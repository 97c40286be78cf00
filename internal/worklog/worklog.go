package worklog

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"aigc-queue/internal/config"
)

// Entry is one work-log record: the task reference plus enough payload to
// resume processing without consulting any other system.
type Entry struct {
	ID     string // stream message id
	TaskID string
	Params string // serialized task params
}

// Log is an append-only Redis Stream with consumer-group delivery. Each entry
// is delivered to exactly one group member at a time and stays pending until
// the consumer acknowledges it.
type Log struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// New builds a work log client from config.
func New(cfg config.Config) *Log {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient builds a work log over an existing Redis client.
func NewWithClient(client *redis.Client, cfg config.Config) *Log {
	block := cfg.BlockTime
	if block == 0 {
		block = 5 * time.Second
	}
	return &Log{
		client:   client,
		stream:   cfg.StreamKey,
		group:    cfg.ConsumerGroup,
		consumer: cfg.ConsumerName,
		block:    block,
	}
}

// Client exposes the underlying Redis client for health checks and shared wiring.
func (l *Log) Client() *redis.Client {
	return l.client
}

// EnsureGroup creates the consumer group, tolerating one that already exists.
func (l *Log) EnsureGroup(ctx context.Context) error {
	err := l.client.XGroupCreateMkStream(ctx, l.stream, l.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Append adds a task reference to the end of the log.
func (l *Log) Append(ctx context.Context, taskID, params string) error {
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]any{"task_id": taskID, "params": params},
	}).Err()
}

// Read blocks for up to the configured wait time and returns the next entry
// delivered to this consumer, or nil when the log is empty.
func (l *Log) Read(ctx context.Context) (*Entry, error) {
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: l.consumer,
		Streams:  []string{l.stream, ">"},
		Count:    1,
		Block:    l.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			return entryFromMessage(m), nil
		}
	}
	return nil, nil
}

// Ack acknowledges an entry, removing it from the pending set. Called only
// after the task record reached a terminal state.
func (l *Log) Ack(ctx context.Context, entryID string) error {
	return l.client.XAck(ctx, l.stream, l.group, entryID).Err()
}

// Reclaim transfers entries pending longer than minIdle to this consumer so a
// crashed worker cannot strand a task forever.
func (l *Log) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	messages, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   l.stream,
		Group:    l.group,
		Consumer: l.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, *entryFromMessage(m))
	}
	return entries, nil
}

// Len returns the number of entries currently in the stream.
func (l *Log) Len(ctx context.Context) (int64, error) {
	return l.client.XLen(ctx, l.stream).Result()
}

// Position returns the 1-based index of the task's entry among the entries
// still in the stream, 0 if the entry has already been consumed. The value is
// advisory: it is not transactionally consistent with concurrent submissions.
func (l *Log) Position(ctx context.Context, taskID string) (int64, error) {
	messages, err := l.client.XRange(ctx, l.stream, "-", "+").Result()
	if err != nil {
		return 0, err
	}
	for i, m := range messages {
		if id, ok := m.Values["task_id"].(string); ok && id == taskID {
			return int64(i + 1), nil
		}
	}
	return 0, nil
}

func entryFromMessage(m redis.XMessage) *Entry {
	e := &Entry{ID: m.ID}
	if v, ok := m.Values["task_id"].(string); ok {
		e.TaskID = v
	}
	if v, ok := m.Values["params"].(string); ok {
		e.Params = v
	}
	return e
}
