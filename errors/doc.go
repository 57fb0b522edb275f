// Package errors provides the structured error taxonomy used across fleetlink.
//
// Every failure the coordinator or a node agent can observe falls into one of
// a small number of codes, each with a category that tells the caller whether
// a retry could help:
//
//   - MALFORMED_MESSAGE: a payload failed to decode or lacks a required field.
//     The message is dropped, no state changes.
//   - NODE_NOT_FOUND: an operation addressed a node id the registry does not know.
//   - CALLBACK_FAILED: a registered dead-node callback returned an error or panicked.
//   - TRANSPORT: connect, publish, subscribe or disconnect failed at the broker link.
//
// # Usage
//
//	err := errors.NodeNotFound("n1")
//	if errors.Is(err, errors.ErrCodeNodeNotFound) {
//	    // report to caller, nothing was published
//	}
//
// Errors wrap their cause and cooperate with the standard library's
// errors.Is / errors.As through Unwrap.
//
// # Serialization
//
// Error implements json.Marshaler so the admin API can return it verbatim:
//
//	{"code":"NODE_NOT_FOUND","category":"permanent","message":"node n1 not found",
//	 "retryable":false,"node_id":"n1"}
package errors
