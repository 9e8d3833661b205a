// Package sqlite implements outbox.Store on an embedded SQLite database through
// GORM and the pure Go glebarez driver, so the outbox survives restarts
// without cgo.
package sqlite
