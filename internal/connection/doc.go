// Package connection implements the Connection Registry and Connection Manager.
//
// The Connection Manager:
//   - Accepts upgraded WebSocket transports and authenticates their session token
//   - Auto-subscribes each connection to its user:{id} and role:{role} topics
//   - Handles inbound PING, SUBSCRIBE, UNSUBSCRIBE and typing frames
//   - Delivers events through a bounded per-connection send queue and write pump
//   - Pings every connection on a fixed period and evicts stale ones
//   - Removes a closed connection from every topic before it is forgotten
package connection
