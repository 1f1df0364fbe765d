// Package writer persists notifications in batches.
//
// Notify only appends to an in-memory batch; a background loop flushes it
// with a single pgx.Batch round trip when it reaches BatchSize or every
// FlushInterval, and once more on Stop. Inserts are idempotent on the
// notification ID.
package writer
