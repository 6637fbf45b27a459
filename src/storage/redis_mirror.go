package storage

import (
	"context"
	"fmt"
	"strings"

	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"

	"github.com/redis/go-redis/v9"
)

// RedisMirror copies every accepted envelope into Redis, one key per stream,
// so a restarted relay can answer latest-state queries before the first tick.
type RedisMirror struct {
	client *redis.Client
	prefix string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

// NewRedisMirror connects to cfg.Mirror.RedisAddr and checks it is reachable.
func NewRedisMirror(ctx context.Context, cfg *models.MConfig, log *logger.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Mirror.RedisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Mirror.RedisAddr, err)
	}

	return NewRedisMirrorWithClient(client, cfg.Mirror.KeyPrefix, log), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, prefix string, log *logger.Logger) *RedisMirror {
	if log == nil {
		log = logger.NewLogger(nil, "RedisMirror")
	}
	return &RedisMirror{client: client, prefix: prefix, Logger: log}
}

// -----------------------------------------------------------------------------

func (m *RedisMirror) key(stream string) string {
	return m.prefix + stream
}

// -----------------------------------------------------------------------------

// Save overwrites the mirrored envelope of stream.
func (m *RedisMirror) Save(ctx context.Context, stream string, payload []byte) error {
	if err := m.client.Set(ctx, m.key(stream), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", stream, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

// Load returns every mirrored envelope keyed by stream.
func (m *RedisMirror) Load(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)

	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := m.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, m.prefix)] = data
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan mirrored keys: %w", err)
	}

	m.Logger.Info("Loaded %d mirrored envelopes", len(out))
	return out, nil
}

// -----------------------------------------------------------------------------

func (m *RedisMirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
