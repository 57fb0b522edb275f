package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/registry"
)

// ErrClosed is returned by operations on a closed mirror.
var ErrClosed = errors.New("mirror closed")

// Mirror is an external copy of the node table.
type Mirror interface {
	// Put stores or replaces a node record.
	Put(ctx context.Context, rec registry.NodeRecord) error

	// Delete removes a node record. Deleting an absent node is not an error.
	Delete(ctx context.Context, nodeID string) error

	// List returns all stored records sorted by node ID.
	List(ctx context.Context) ([]registry.NodeRecord, error)

	// Close releases resources held by the mirror.
	Close() error
}

// Run applies registry events to m until ctx is done or events is closed.
// Died and revived events are skipped: the update that caused them already
// carried the new record.
func Run(ctx context.Context, m Mirror, events <-chan registry.Event, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("mirror")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := Apply(ctx, m, ev); err != nil {
				logger.Warn("mirror_write_failed", map[string]interface{}{
					"node_id": ev.Node.NodeID,
					"event":   string(ev.Type),
					"error":   err,
				})
			}
		}
	}
}

// Source is the authoritative table a follower resynchronises from.
// *registry.Registry implements it.
type Source interface {
	List() []registry.NodeRecord
	DroppedEvents() uint64
}

// ResyncCheckInterval is how often Follow looks for dropped events while
// no events arrive.
const ResyncCheckInterval = 5 * time.Second

// Follow is Run plus recovery from dropped watch events: whenever
// src.DroppedEvents moves, the buffered events are discarded and m is
// resynchronised from src.List. The drop counter is checked after every
// event and every ResyncCheckInterval.
func Follow(ctx context.Context, m Mirror, src Source, events <-chan registry.Event, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("mirror")

	seen := src.DroppedEvents()
	resyncIfDropped := func() {
		dropped := src.DroppedEvents()
		if dropped == seen {
			return
		}
		seen = dropped

		discarded := drain(events)
		if err := Sync(ctx, m, src.List()); err != nil {
			logger.Warn("mirror_resync_failed", map[string]interface{}{
				"error": err,
			})
			return
		}
		logger.Info("mirror_resynced", map[string]interface{}{
			"dropped":   dropped,
			"discarded": discarded,
		})
	}

	ticker := time.NewTicker(ResyncCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resyncIfDropped()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := Apply(ctx, m, ev); err != nil {
				logger.Warn("mirror_write_failed", map[string]interface{}{
					"node_id": ev.Node.NodeID,
					"event":   string(ev.Type),
					"error":   err,
				})
			}
			resyncIfDropped()
		}
	}
}

// drain empties the buffered events without blocking. The snapshot taken
// afterwards already reflects them.
func drain(events <-chan registry.Event) int {
	n := 0
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Apply writes a single registry event to m.
func Apply(ctx context.Context, m Mirror, ev registry.Event) error {
	switch ev.Type {
	case registry.EventAdded, registry.EventUpdated:
		return m.Put(ctx, ev.Node)
	case registry.EventRemoved:
		return m.Delete(ctx, ev.Node.NodeID)
	default:
		return nil
	}
}

// Sync overwrites m with the given snapshot, deleting stored nodes that are
// not part of it. Used at startup to drop entries left by a previous run.
func Sync(ctx context.Context, m Mirror, snapshot []registry.NodeRecord) error {
	stored, err := m.List(ctx)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(snapshot))
	for _, rec := range snapshot {
		keep[rec.NodeID] = struct{}{}
		if err := m.Put(ctx, rec); err != nil {
			return err
		}
	}

	for _, rec := range stored {
		if _, ok := keep[rec.NodeID]; !ok {
			if err := m.Delete(ctx, rec.NodeID); err != nil {
				return err
			}
		}
	}
	return nil
}
