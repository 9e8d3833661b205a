// Package postgres implements outbox.Store on PostgreSQL through a pgx connection pool.
//
// The store expects a table created with Schema. Observations see writes made
// through the same Store value; other writers become visible on the next one.
package postgres
