// Package coordinator runs the central side of the fleet protocol.
//
// # Overview
//
// A Coordinator owns one broker connection, the node registry and the
// result buffer. It listens on three shared channels:
//
//	initialisation   registrations, each answered with an init task
//	+/status         retained node status and last-will messages
//	results          opaque task results, buffered for the consumer
//
// All three filters share one bus subscription, and a single goroutine
// handles its messages, so registry mutation has exactly one writer.
// Getters, SendTask and Forget are safe to call from any goroutine.
//
// Messages are handled in the order the connection received them, across
// all three channels: a node's registration is always seen before a status
// it published afterwards.
//
// # Usage
//
//	c, _ := coordinator.New(coordinator.Config{Bus: b})
//	c.OnDead(func(ids []string) error {
//	    reschedule(ids)
//	    return nil
//	})
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
//
//	c.SendTask(ctx, "n1", payload)
package coordinator
