// Package model defines shared data types used across the realtime fabric.
//
// Conventions:
//   - Record IDs (users, contacts, leads, campaigns) are opaque strings. On the wire they
//     may arrive as JSON numbers or strings; ID normalizes both.
//   - Timestamps are time.Time in UTC.
//   - Notification IDs are uuid.UUID.
package model
