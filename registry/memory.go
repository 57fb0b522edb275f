package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/fleetlink/liveness"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
)

// Registry is the in-memory node table. It is safe for concurrent use.
type Registry struct {
	config Config
	logger *logging.Logger

	mu        sync.RWMutex
	nodes     map[string]NodeRecord
	dead      *liveness.DeadSet
	callbacks []liveness.Callback
	watchers  []chan Event
	closed    bool

	dropped atomic.Uint64
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = def.WatchBuffer
	}

	return &Registry{
		config: cfg,
		logger: cfg.Logger.WithComponent("registry"),
		nodes:  make(map[string]NodeRecord),
		dead:   liveness.NewDeadSet(),
	}
}

// Register applies a registration announcement. A new id creates a record;
// a known id has its device type and status replaced. Empty fields take the
// protocol defaults.
func (r *Registry) Register(reg protocol.Registration) (NodeRecord, error) {
	if reg.NodeID == "" {
		return NodeRecord{}, ErrInvalidID
	}
	if reg.DeviceType == "" {
		reg.DeviceType = protocol.DefaultDeviceType
	}
	if reg.Status == "" {
		reg.Status = protocol.StatusConnected
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NodeRecord{}, ErrClosed
	}

	_, exists := r.nodes[reg.NodeID]
	rec := NodeRecord{
		NodeID:     reg.NodeID,
		DeviceType: reg.DeviceType,
		Status:     reg.Status,
		LastSeen:   r.config.Now(),
	}
	r.nodes[rec.NodeID] = rec
	transition, callbacks := r.commit(rec, exists)
	r.mu.Unlock()

	r.logger.NodeRegistered(rec.NodeID, rec.DeviceType, rec.Status.String())
	r.afterTransition(rec, transition, callbacks)
	return rec, nil
}

// ApplyStatus applies a status message. An unknown id creates a record with
// the message's device type, or "unknown". A known id keeps its device type.
// The returned transition reports whether the node entered or left the dead
// set; dead-node callbacks have already run when ApplyStatus returns.
func (r *Registry) ApplyStatus(update protocol.StatusUpdate) (NodeRecord, liveness.Transition, error) {
	if update.NodeID == "" {
		return NodeRecord{}, liveness.Unchanged, ErrInvalidID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NodeRecord{}, liveness.Unchanged, ErrClosed
	}

	rec, exists := r.nodes[update.NodeID]
	if !exists {
		rec = NodeRecord{
			NodeID:     update.NodeID,
			DeviceType: update.DeviceType,
		}
		if rec.DeviceType == "" {
			rec.DeviceType = protocol.DefaultDeviceType
		}
	}
	rec.Status = update.Status
	rec.LastSeen = r.config.Now()
	r.nodes[rec.NodeID] = rec
	transition, callbacks := r.commit(rec, exists)
	r.mu.Unlock()

	r.afterTransition(rec, transition, callbacks)
	return rec, transition, nil
}

// commit recomputes dead membership and notifies watchers.
// Must be called with lock held. Callbacks are returned only on a rising
// edge, copied so they can run after the lock is released.
func (r *Registry) commit(rec NodeRecord, existed bool) (liveness.Transition, []liveness.Callback) {
	eventType := EventAdded
	if existed {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Node: rec})

	transition := r.dead.Observe(rec.NodeID, rec.Status)
	switch transition {
	case liveness.Died:
		r.notifyWatchers(Event{Type: EventDied, Node: rec})
		callbacks := make([]liveness.Callback, len(r.callbacks))
		copy(callbacks, r.callbacks)
		return transition, callbacks
	case liveness.Revived:
		r.notifyWatchers(Event{Type: EventRevived, Node: rec})
	}
	return transition, nil
}

// afterTransition logs the edge and runs callbacks. Must be called without
// the lock.
func (r *Registry) afterTransition(rec NodeRecord, transition liveness.Transition, callbacks []liveness.Callback) {
	switch transition {
	case liveness.Died:
		r.logger.NodeDied(rec.NodeID, rec.Status.String())
		ids := []string{rec.NodeID}
		for _, err := range liveness.Notify(callbacks, ids) {
			r.logger.CallbackFailed(ids, err)
		}
	case liveness.Revived:
		r.logger.NodeRevived(rec.NodeID, rec.Status.String())
	}
}

// Forget removes a node's record and dead membership. Returns ErrNotFound
// if the node is unknown. A later message for the id recreates it fresh.
func (r *Registry) Forget(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	rec, exists := r.nodes[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.nodes, id)
	r.dead.Remove(id)
	r.notifyWatchers(Event{Type: EventRemoved, Node: rec})

	return nil
}

// Get retrieves a node by ID.
// Returns nil, ErrNotFound if not found.
func (r *Registry) Get(id string) (*NodeRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Contains reports whether a record exists for id.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// List returns a snapshot of all records sorted by ID.
func (r *Registry) List() []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		result = append(result, rec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NodeID < result[j].NodeID
	})
	return result
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Dead returns the ids currently in the dead set, sorted.
func (r *Registry) Dead() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dead.Members()
}

// IsDead reports whether a node is in the dead set.
func (r *Registry) IsDead(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dead.Contains(id)
}

// OnDead registers a callback invoked with the ids that newly entered the
// dead set. Callbacks run in registration order.
func (r *Registry) OnDead(cb liveness.Callback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Watch returns a channel of registry events.
// The channel is closed when the registry is closed.
func (r *Registry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, r.config.WatchBuffer)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Unwatch detaches and closes a channel returned by Watch. Unknown
// channels are ignored.
func (r *Registry) Unwatch(ch <-chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, w := range r.watchers {
		if w == ch {
			r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
			close(w)
			return
		}
	}
}

// Close shuts down the registry. Later mutations return ErrClosed; reads
// keep serving the final table.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	// Close all watcher channels
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
// notifyWatchers never blocks. An event a full watcher cannot take is
// counted and logged; watchers compare DroppedEvents to know when to
// resynchronise from List.
func (r *Registry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			total := r.dropped.Add(1)
			r.logger.Warn("watch_event_dropped", map[string]interface{}{
				"event":   string(event.Type),
				"node_id": event.Node.NodeID,
				"dropped": total,
			})
		}
	}
}

// DroppedEvents returns how many watch events were dropped because a
// watcher's buffer was full.
func (r *Registry) DroppedEvents() uint64 {
	return r.dropped.Load()
}
