package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	fleeterrors "github.com/vinayprograms/fleetlink/errors"
)

// Registration is the announcement a node publishes on RegistrationTopic.
type Registration struct {
	NodeID     string `json:"node_id"`
	DeviceType string `json:"device_type"`
	Status     Status `json:"status"`
}

// Marshal serializes a registration to JSON.
func (r *Registration) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRegistration parses a registration announcement.
// node_id is required and must be a valid single topic level; device_type defaults to "unknown" and status to "connected".
func DecodeRegistration(data []byte) (Registration, error) {
	var r Registration
	if err := json.Unmarshal(data, &r); err != nil {
		return Registration{}, fleeterrors.Malformed(RegistrationTopic, "invalid JSON", fleeterrors.WithCause(err))
	}
	if r.NodeID == "" {
		return Registration{}, fleeterrors.Malformed(RegistrationTopic, "missing node_id")
	}
	if !ValidNodeID(r.NodeID) {
		return Registration{}, fleeterrors.Malformed(RegistrationTopic, "invalid node_id", fleeterrors.WithNodeID(r.NodeID))
	}
	if r.DeviceType == "" {
		r.DeviceType = DefaultDeviceType
	}
	if r.Status == "" {
		r.Status = StatusConnected
	}
	return r, nil
}

// StatusUpdate is published, retained, on a node's status channel. The
// broker publishes the same shape as the node's last-will.
type StatusUpdate struct {
	NodeID string `json:"node_id"`
	Status Status `json:"status"`

	// DeviceType is optional and only seeds records created from status alone.
	DeviceType string `json:"device_type,omitempty"`
}

// Marshal serializes a status update to JSON.
func (s *StatusUpdate) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeStatusUpdate parses a status message received on topic.
// Both node_id and status are required.
func DecodeStatusUpdate(topic string, data []byte) (StatusUpdate, error) {
	var s StatusUpdate
	if err := json.Unmarshal(data, &s); err != nil {
		return StatusUpdate{}, fleeterrors.Malformed(topic, "invalid JSON", fleeterrors.WithCause(err))
	}
	if s.NodeID == "" {
		return StatusUpdate{}, fleeterrors.Malformed(topic, "missing node_id")
	}
	if !ValidNodeID(s.NodeID) {
		return StatusUpdate{}, fleeterrors.Malformed(topic, "invalid node_id", fleeterrors.WithNodeID(s.NodeID))
	}
	if s.Status == "" {
		return StatusUpdate{}, fleeterrors.Malformed(topic, "missing status", fleeterrors.WithNodeID(s.NodeID))
	}
	return s, nil
}

// IsRetainedClear reports whether payload is the empty message used to clear
// a retained status.
func IsRetainedClear(payload []byte) bool {
	return len(bytes.TrimSpace(payload)) == 0
}

const (
	// CommandInit marks the bootstrap task sent in reply to a registration.
	CommandInit = "init"

	// InitTaskID is the task id of every bootstrap task.
	InitTaskID = "0"
)

// Task is the payload published on a node's private task channel.
type Task struct {
	TaskID      string          `json:"task_id"`
	TaskInfo    json.RawMessage `json:"task_info"`
	CurrentTime float64         `json:"current_time"`
}

type taskCommand struct {
	Command string `json:"command"`
}

// NewInitTask builds the bootstrap task dispatched after every registration.
func NewInitTask(now time.Time) Task {
	info, _ := json.Marshal(taskCommand{Command: CommandInit})
	return Task{
		TaskID:      InitTaskID,
		TaskInfo:    info,
		CurrentTime: UnixSeconds(now),
	}
}

// Marshal serializes a task to JSON.
func (t Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Command returns task_info.command, or "" when task_info is not an object
// with a string command.
func (t Task) Command() string {
	if len(t.TaskInfo) == 0 {
		return ""
	}
	var c taskCommand
	if err := json.Unmarshal(t.TaskInfo, &c); err != nil {
		return ""
	}
	return c.Command
}

// IsInit reports whether this is the registration bootstrap task.
func (t Task) IsInit() bool {
	return t.Command() == CommandInit
}

// DecodeTask parses a task received on topic.
func DecodeTask(topic string, data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fleeterrors.Malformed(topic, "invalid JSON", fleeterrors.WithCause(err))
	}
	return t, nil
}
