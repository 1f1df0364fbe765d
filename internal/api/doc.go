// Package api is a client for the realtime service's administrative REST
// surface.
//
// Endpoints (relative to the server base URL, e.g. http://localhost:8080):
//   - GET  /api/realtime/status
//   - GET  /api/realtime/connections
//   - GET  /api/realtime/stats
//   - POST /api/realtime/stats/trigger
//   - POST /api/realtime/events/{name}
//   - GET  /health
//
// Requests carry the admin token as a bearer token. Server errors and 429s
// are retried with jittered exponential backoff.
package api
