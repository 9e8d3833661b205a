package postgres

import "errors"

var (
	// ErrPoolRequired is returned when a nil pool is provided.
	ErrPoolRequired = errors.New("outbox postgres: pool is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("outbox postgres: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox postgres: invalid table name")
	// ErrPruneBeforeRequired is returned when the prune cutoff is missing.
	ErrPruneBeforeRequired = errors.New("outbox postgres: prune before time is required")
)
