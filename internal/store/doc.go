// Package store reads the CRM database on behalf of the realtime fabric:
// aggregate counts for the dashboard snapshot and account status for
// connection admission.
package store
