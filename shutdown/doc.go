// Package shutdown runs the ordered exit of a fleet process.
//
// # Overview
//
// Components register a Handler under a phase. On SIGINT, SIGTERM or an
// explicit Run, phases execute in ascending order; handlers that share a
// phase run concurrently. The whole sequence shares one deadline.
//
//	PhaseNode         agent publishes "offline" and disconnects
//	PhaseIngress      admin API stops accepting requests
//	PhaseCoordinator  coordinator stops its message loop
//	PhaseMirror       registry mirror flushes and closes its store
//	PhaseBroker       broker connection closes
//	PhaseTelemetry    spans are flushed
//
// # Usage
//
//	seq := shutdown.New(shutdown.Config{Logger: logger})
//	seq.Register("agent", shutdown.PhaseNode, a)
//	seq.RegisterFunc("bus", shutdown.PhaseBroker, func(context.Context) error {
//	    return conn.Close()
//	})
//	seq.HandleSignals()
//	<-seq.Done()
//
// A failing handler is logged and, unless StopOnError is set, later
// phases still run.
package shutdown
