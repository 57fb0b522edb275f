package logging

// --- Protocol event helpers ---
// Fixed message names keep fleet logs greppable across coordinator and nodes.

// NodeRegistered logs a registration announcement.
func (l *Logger) NodeRegistered(nodeID, deviceType, status string) {
	l.Info("node_registered", map[string]interface{}{
		"node_id":     nodeID,
		"device_type": deviceType,
		"status":      status,
	})
}

// StatusChanged logs a status update for a node.
func (l *Logger) StatusChanged(nodeID, status string, retained bool) {
	l.Info("node_status", map[string]interface{}{
		"node_id":  nodeID,
		"status":   status,
		"retained": retained,
	})
}

// NodeDied logs a node entering the dead set.
func (l *Logger) NodeDied(nodeID, status string) {
	l.Warn("node_dead", map[string]interface{}{
		"node_id": nodeID,
		"status":  status,
	})
}

// NodeRevived logs a node leaving the dead set.
func (l *Logger) NodeRevived(nodeID, status string) {
	l.Info("node_revived", map[string]interface{}{
		"node_id": nodeID,
		"status":  status,
	})
}

// NodeForgotten logs an administrative forget.
func (l *Logger) NodeForgotten(nodeID string) {
	l.Info("node_forgotten", map[string]interface{}{
		"node_id": nodeID,
	})
}

// TaskDispatched logs a task published to a node.
func (l *Logger) TaskDispatched(nodeID string, size int) {
	l.Info("task_sent", map[string]interface{}{
		"node_id": nodeID,
		"bytes":   size,
	})
}

// MessageDropped logs a message that could not be processed.
func (l *Logger) MessageDropped(topic string, err error) {
	l.Warn("message_dropped", map[string]interface{}{
		"topic": topic,
		"error": err,
	})
}

// CallbackFailed logs a dead-node callback failure.
func (l *Logger) CallbackFailed(nodeIDs []string, err error) {
	l.Error("dead_callback_failed", map[string]interface{}{
		"node_ids": nodeIDs,
		"error":    err,
	})
}
