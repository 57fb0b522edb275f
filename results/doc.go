// Package results buffers task results published by nodes on the shared
// results channel.
//
// Payloads are opaque: the coordinator stores whatever a node published
// and leaves interpretation to the consumer.
//
// # Consumer Contract
//
// Get returns everything buffered so far and remembers how many entries it
// handed out. Clear removes exactly that prefix, so results appended
// between the two calls survive:
//
//	batch := buf.Get()
//	process(batch)
//	buf.Clear()
//
// Calling Clear without first consuming the batch from the preceding Get
// loses those results.
package results
