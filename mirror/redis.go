package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/go-redis/redis/v8"

	"github.com/vinayprograms/fleetlink/registry"
)

// RedisMirror stores each node record as a JSON string key and tracks ids
// in a set.
type RedisMirror struct {
	client *redis.Client
	config RedisMirrorConfig
	closed atomic.Bool
}

// RedisMirrorConfig configures the Redis mirror.
type RedisMirrorConfig struct {
	// KeyPrefix precedes the node ID in record keys. Default: "fleet:node:"
	KeyPrefix string

	// IndexKey is the set holding all mirrored ids. Default: "fleet:nodes"
	IndexKey string
}

// DefaultRedisMirrorConfig returns configuration with sensible defaults.
func DefaultRedisMirrorConfig() RedisMirrorConfig {
	return RedisMirrorConfig{
		KeyPrefix: "fleet:node:",
		IndexKey:  "fleet:nodes",
	}
}

// NewRedisMirror creates a mirror on client. Close closes the client.
func NewRedisMirror(client *redis.Client, cfg RedisMirrorConfig) *RedisMirror {
	def := DefaultRedisMirrorConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.IndexKey == "" {
		cfg.IndexKey = def.IndexKey
	}

	return &RedisMirror{
		client: client,
		config: cfg,
	}
}

// DialRedisMirror creates a client from opts and verifies it with PING.
func DialRedisMirror(ctx context.Context, opts *redis.Options, cfg RedisMirrorConfig) (*RedisMirror, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisMirror(client, cfg), nil
}

func (m *RedisMirror) key(nodeID string) string {
	return m.config.KeyPrefix + nodeID
}

// Put stores a node record and indexes its id.
func (m *RedisMirror) Put(ctx context.Context, rec registry.NodeRecord) error {
	if m.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.key(rec.NodeID), data, 0)
		pipe.SAdd(ctx, m.config.IndexKey, rec.NodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save node record: %w", err)
	}
	return nil
}

// Delete removes a node record and its index entry.
func (m *RedisMirror) Delete(ctx context.Context, nodeID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key(nodeID))
		pipe.SRem(ctx, m.config.IndexKey, nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete node record: %w", err)
	}
	return nil
}

// List returns all indexed records sorted by node ID.
func (m *RedisMirror) List(ctx context.Context) ([]registry.NodeRecord, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	ids, err := m.client.SMembers(ctx, m.config.IndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node index: %w", err)
	}

	result := make([]registry.NodeRecord, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.key(id)
	}

	// Use MGET to retrieve all records at once
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve node records: %w", err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec registry.NodeRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue // Skip invalid entries
		}
		result = append(result, rec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NodeID < result[j].NodeID
	})
	return result, nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.client.Close()
}
