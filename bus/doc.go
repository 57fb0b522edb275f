// Package bus provides the broker link used by the coordinator and node agents.
//
// # Overview
//
// Coordinator and nodes never talk directly. Everything goes through a
// publish/subscribe broker, reached through the MessageBus interface:
//
//	bus.Publish("n1/status", data, bus.Retain(), bus.WithQoS(bus.AtLeastOnce))
//	sub, _ := bus.Subscribe("+/status")
//	for msg := range sub.Messages() {
//	    // msg.Retained is true for replayed retained values
//	}
//
// # Available Implementations
//
//   - MQTTBus: production link to an MQTT broker (Mosquitto, EMQX, ...)
//   - MemoryBroker / MemoryBus: in-process broker for tests and demos
//
// # Retained messages
//
// A publish with Retain() replaces the topic's stored value. Every new
// subscription whose filter matches receives the stored value first. An
// empty retained payload deletes the stored value.
//
// # Last will
//
// The will is armed when the client connects. The broker publishes it if the
// client disappears without Close(); MemoryBus simulates that with Drop().
//
// A client that loses its connection without Close() also triggers the will.
// MQTTBus then reconnects on its own and runs OnReconnect hooks;
// MemoryBus.Interrupt simulates the same sequence.
//
// # Ordering and delivery
//
// One Subscribe call may cover several filters. Everything it matches
// arrives on one channel in the order the client received it. Delivery
// never drops: messages beyond the channel buffer queue behind it.
//
//	sub, _ := bus.Subscribe("initialisation", "+/status", "results")
//
// # Topic filters
//
// Filters use MQTT wildcards: '+' matches exactly one level, '#' matches the
// remaining levels and must be last.
//
//	MatchTopic("+/status", "n1/status")   // true
//	MatchTopic("+/status", "a/b/status")  // false
//	MatchTopic("fleet/#", "fleet/a/b")    // true
package bus
