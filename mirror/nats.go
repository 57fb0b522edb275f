package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/fleetlink/registry"
)

// NATSMirror stores node records in a NATS JetStream KV bucket keyed by
// node ID.
type NATSMirror struct {
	conn     *nats.Conn
	kv       jetstream.KeyValue
	config   NATSMirrorConfig
	ownsConn bool
	closed   atomic.Bool
}

// NATSMirrorConfig configures the NATS mirror.
type NATSMirrorConfig struct {
	// Bucket is the KV bucket name. Default: "fleet-nodes"
	Bucket string

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultNATSMirrorConfig returns configuration with sensible defaults.
func DefaultNATSMirrorConfig() NATSMirrorConfig {
	return NATSMirrorConfig{
		Bucket:   "fleet-nodes",
		Replicas: 1,
	}
}

// NewNATSMirror creates a mirror on an existing connection. The caller keeps
// ownership of conn.
func NewNATSMirror(conn *nats.Conn, cfg NATSMirrorConfig) (*NATSMirror, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	if cfg.Bucket == "" {
		cfg.Bucket = DefaultNATSMirrorConfig().Bucket
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	// Create or get KV bucket
	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "fleet node registry mirror",
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSMirror{
		conn:   conn,
		kv:     kv,
		config: cfg,
	}, nil
}

// DialNATSMirror connects to url and creates a mirror that owns the
// connection. Extra options (credentials, TLS) are passed to nats.Connect.
func DialNATSMirror(url string, cfg NATSMirrorConfig, opts ...nats.Option) (*NATSMirror, error) {
	conn, err := nats.Connect(url, append([]nats.Option{nats.Name("fleet-mirror")}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	m, err := NewNATSMirror(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.ownsConn = true
	return m, nil
}

// Put stores a node record.
func (m *NATSMirror) Put(ctx context.Context, rec registry.NodeRecord) error {
	if m.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}

	if _, err := m.kv.Put(ctx, rec.NodeID, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}
	return nil
}

// Delete removes a node record.
func (m *NATSMirror) Delete(ctx context.Context, nodeID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if err := m.kv.Delete(ctx, nodeID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// List returns all stored records sorted by node ID.
func (m *NATSMirror) List(ctx context.Context) ([]registry.NodeRecord, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []registry.NodeRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	result := make([]registry.NodeRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := m.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // Deleted between Keys and Get
			}
			return nil, fmt.Errorf("get from kv: %w", err)
		}

		var rec registry.NodeRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		result = append(result, rec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NodeID < result[j].NodeID
	})
	return result, nil
}

// Close closes the connection if the mirror opened it.
func (m *NATSMirror) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.ownsConn {
		m.conn.Close()
	}
	return nil
}
