// Package scheduler implements the Sync Scheduler.
//
// The Sync Scheduler:
//   - Recomputes the dashboard snapshot on a fixed interval (first run shortly after Start)
//   - Recomputes on demand when a domain event changes aggregate counts
//   - Broadcasts each fresh snapshot as STATS_UPDATE
//   - Maps named domain events to targeted deliveries and notifications
//
// A failed computation keeps the previous snapshot and never stops the loop.
package scheduler
