// Package server exposes the realtime service over HTTP: the WebSocket
// endpoint clients connect to, the administrative REST surface, and a
// health check.
//
// Routes:
//
//	GET  /ws                            WebSocket upgrade (token via ?token=, Authorization: Bearer, or X-Realtime-Token)
//	GET  /health                        component health
//	GET  /api/realtime/status           GetStatus
//	GET  /api/realtime/connections      live connection list
//	GET  /api/realtime/stats            cached dashboard snapshot
//	POST /api/realtime/stats/trigger    TriggerStatsUpdate
//	POST /api/realtime/events/{name}    HandleSystemEvent with the body as data
//
// The /api routes require the admin token when one is configured.
package server
