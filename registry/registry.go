package registry

import (
	"errors"
	"time"

	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
)

// Common errors.
var (
	ErrNotFound  = errors.New("node not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid node ID")
)

// NodeRecord is the coordinator's view of one node.
type NodeRecord struct {
	// NodeID uniquely identifies the node.
	NodeID string `json:"node_id"`

	// DeviceType is the node's self-declared hardware class.
	DeviceType string `json:"device_type"`

	// Status is the last status the node (or its last-will) reported.
	Status protocol.Status `json:"status"`

	// LastSeen is when the coordinator last processed a message for the node.
	LastSeen time.Time `json:"last_seen"`
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
	EventDied    EventType = "died"
	EventRevived EventType = "revived"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType `json:"type"`

	// Node contains the record after the change.
	// For removal events, this contains the last known state.
	Node NodeRecord `json:"node"`
}

// Config configures a Registry.
type Config struct {
	// Logger receives lifecycle and callback-failure logs.
	// Default: logging.Nop()
	Logger *logging.Logger

	// Now supplies timestamps for LastSeen.
	// Default: time.Now
	Now func() time.Time

	// WatchBuffer is the channel size for each watcher.
	// Default: 64
	WatchBuffer int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Logger:      logging.Nop(),
		Now:         time.Now,
		WatchBuffer: 64,
	}
}
