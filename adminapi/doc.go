// Package adminapi exposes coordinator operations over HTTP.
//
// Routes:
//
//	GET    /healthz                 health check
//	GET    /api/nodes               every node record
//	GET    /api/nodes/dead          ids currently dead
//	GET    /api/nodes/{id}          one record
//	DELETE /api/nodes/{id}          forget a node
//	POST   /api/nodes/{id}/tasks    publish the body as a task (202)
//	GET    /api/results             buffered results, marked handed out
//	DELETE /api/results             drop handed-out results
//	GET    /api/events              registry events as server-sent events
//	GET    /api/events/ws           registry events over a WebSocket
//
// Errors are JSON objects {message, code, status_code}; code is the fleet
// error code when one is known.
//
// With Config.JWTSecret set, every /api route requires an HS256/384/512
// bearer token signed with that secret.
package adminapi
