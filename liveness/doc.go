// Package liveness derives node death from reported status.
//
// # Overview
//
// Nodes never send heartbeats. The broker publishes a node's last-will on
// its retained status topic when the connection drops, and a node shutting
// down cleanly publishes "offline" itself. A node is dead exactly while its
// latest status is one of those failure values.
//
// DeadSet holds that membership. Membership is level-triggered (always
// equal to the status predicate) while notification is edge-triggered:
// Observe reports Died only on the transition into the set, so a repeated
// "dead" status never notifies twice.
//
// # Usage
//
//	dead := liveness.NewDeadSet()
//	if dead.Observe("n1", protocol.StatusDead) == liveness.Died {
//	    errs := liveness.Notify(callbacks, []string{"n1"})
//	    ...
//	}
//
// DeadSet is not safe for concurrent use. The registry guards it with the
// same lock as its record table.
package liveness
