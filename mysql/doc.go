// Package mysql provides a MySQL 8.0+ outbox.Store.
//
// Messages live in a single table keyed by client_key with an AUTO_INCREMENT seq
// column that records insertion order:
//   - Insert is an upsert (INSERT ... ON DUPLICATE KEY UPDATE) that keeps seq
//   - Update writes only the provided columns via COALESCE
//   - Pending and Observe read ORDER BY created_at, seq
//
// Observers are notified of writes made through the same Store value. See Schema
// for the table definition and PruneMaintainer for periodic removal of old
// delivered rows.
package mysql
