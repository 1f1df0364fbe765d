// Package router implements the Topic Router.
//
// The Topic Router:
//   - Maps topic (room) names to the set of member connection IDs
//   - Tracks the reverse mapping so a connection can be dropped from every topic at once
//   - Deletes a topic as soon as its last member leaves
//   - Knows nothing about transports or events; the Connection Manager owns delivery
package router
