// Package realtime assembles the connection manager and sync scheduler into
// one service with an explicit lifecycle and the administrative operations
// exposed to operators and to the rest of the business system.
//
// A Service is constructed by the caller and passed where it is needed; there
// is no process-wide instance.
package realtime
