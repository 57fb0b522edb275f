// Package mirror replicates the coordinator's node table into an external
// store so dashboards and other processes can read fleet state without
// talking to the coordinator.
//
// The in-memory registry stays authoritative. A mirror is fed from
// registry.Watch by Run on its own goroutine, so a slow or unavailable
// store never delays message handling; write failures are logged and the
// next event for the node overwrites the stale entry. Follow also watches
// the registry's dropped-event counter and rewrites the mirror from a fresh
// snapshot after any drop.
//
// # Available Implementations
//
//   - NATSMirror: JetStream KV bucket, one key per node
//   - RedisMirror: one string key per node plus an id set
//   - MemoryMirror: in-process map for tests and the demo
//
// # Usage
//
//	events, _ := reg.Watch()
//	m, _ := mirror.NewNATSMirror(nc, mirror.DefaultNATSMirrorConfig())
//	go mirror.Follow(ctx, m, reg, events, logger)
package mirror
