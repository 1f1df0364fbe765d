// Package database provides the PostgreSQL connection pool shared by the
// stats store and the notification writer.
//
// The CRM schema (users, contacts, leads, campaigns, messages) is owned by
// the business system and only read here. The notifications table is owned
// by this service and created by EnsureSchema.
package database
