package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("outbox mysql: db is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("outbox mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox mysql: invalid table name")
	// ErrClientKeyTooLong is returned when a client key does not fit the column.
	ErrClientKeyTooLong = errors.New("outbox mysql: client key is too long")
	// ErrPruneBeforeRequired is returned when the prune cutoff is missing.
	ErrPruneBeforeRequired = errors.New("outbox mysql: prune before time is required")
	// ErrPruneLimitInvalid is returned when the prune limit is negative.
	ErrPruneLimitInvalid = errors.New("outbox mysql: prune limit must be non-negative")
	// ErrPruneRetentionInvalid is returned when the prune retention is not positive.
	ErrPruneRetentionInvalid = errors.New("outbox mysql: prune retention must be positive")
)
