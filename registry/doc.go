// Package registry holds the coordinator's authoritative table of fleet
// nodes and the dead set derived from their status.
//
// # Overview
//
// Records are created by the first registration or status message for an
// unknown node id, updated in place afterwards, and removed only by Forget.
// The record table and the dead set share one lock, so readers never see a
// record whose status says dead while the node is missing from Dead().
//
// # Basic Usage
//
//	reg := registry.New(registry.Config{Logger: logger})
//	reg.OnDead(func(ids []string) error {
//	    log.Printf("lost %v", ids)
//	    return nil
//	})
//
//	reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
//	reg.ApplyStatus(protocol.StatusUpdate{NodeID: "n1", Status: protocol.StatusDead})
//	// callback fired once with [n1]
//
// # Callbacks
//
// Dead-node callbacks run on the goroutine that applied the status, after
// the lock is released. They may call back into the registry. A callback
// that returns an error or panics is logged and never affects the table.
//
// # Watching
//
// Watch returns a buffered event channel (added, updated, removed, died,
// revived) for consumers that replicate the table elsewhere. A watcher
// that falls behind loses events rather than stalling message handling.
package registry
