package protocol

// Status is a node's self-reported state. It is an open set: any string a
// node publishes is accepted and treated as alive unless it is a failure
// status.
type Status string

const (
	StatusConnected Status = "connected"
	StatusReady     Status = "ready"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusDead      Status = "dead"
)

// IsFailure reports whether the status classifies the node as dead.
// offline is a clean shutdown, dead is the broker-issued last-will.
func (s Status) IsFailure() bool {
	return s == StatusOffline || s == StatusDead
}

// String returns the status as a plain string.
func (s Status) String() string {
	return string(s)
}

// DefaultDeviceType labels nodes that never reported one.
const DefaultDeviceType = "unknown"
