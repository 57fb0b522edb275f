// Package agent runs the node side of the fleet protocol.
//
// # Overview
//
// An Agent connects to the broker with a last-will that marks it dead,
// listens on its private task channel and reports status on its retained
// status channel:
//
//	<id>            tasks addressed to this node
//	<id>/status     {node_id, status}, retained, QoS 1
//	initialisation  one registration per Start
//
// The coordinator answers every registration with an init task; the agent
// reacts by reporting "ready". Other tasks go to Config.TaskHandler.
//
// # Lifecycle
//
//	a, _ := agent.New(agent.Config{Dial: bus.MQTTDialer(mqttCfg)})
//	if err := a.Start(ctx); err != nil {
//	    return err
//	}
//	go a.Run(ctx)
//	...
//	a.Shutdown(ctx) // "offline", grace period, disconnect
//
// A crash or network loss skips Shutdown; the broker then publishes the
// will and the coordinator sees "dead" instead of "offline".
package agent
