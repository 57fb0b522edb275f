// Package protocol defines the broker channels and wire messages exchanged
// between the coordinator and node agents.
//
// Channel layout:
//
//	initialisation      node -> coordinator   registration announcement
//	results             node -> coordinator   opaque task results
//	<node_id>/status    node -> coordinator   retained status, last-will target
//	<node_id>           coordinator -> node   task payloads
//
// All payloads are JSON objects.
package protocol

import (
	"strings"
	"time"
)

const (
	// RegistrationTopic is the shared channel nodes announce themselves on.
	RegistrationTopic = "initialisation"

	// ResultsTopic is the shared channel nodes publish task results on.
	ResultsTopic = "results"

	// StatusSuffix terminates every private status channel.
	StatusSuffix = "/status"

	// StatusFilter matches every node's private status channel.
	StatusFilter = "+" + StatusSuffix
)

// ValidNodeID reports whether id can name a node's channels: non-empty,
// a single topic level, and free of wildcards.
func ValidNodeID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}

// StatusTopic returns the private, retained status channel of a node.
func StatusTopic(nodeID string) string {
	return nodeID + StatusSuffix
}

// TaskTopic returns the private task channel of a node.
func TaskTopic(nodeID string) string {
	return nodeID
}

// NodeIDFromStatusTopic extracts the node id from a status channel name.
func NodeIDFromStatusTopic(topic string) (string, bool) {
	if !strings.HasSuffix(topic, StatusSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(topic, StatusSuffix)
	if !ValidNodeID(id) {
		return "", false
	}
	return id, true
}

// IsStatusTopic reports whether topic is a node's private status channel.
func IsStatusTopic(topic string) bool {
	_, ok := NodeIDFromStatusTopic(topic)
	return ok
}

// UnixSeconds renders t as fractional Unix seconds, the format of current_time.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
