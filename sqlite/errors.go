package sqlite

import "errors"

var (
	// ErrDBRequired is returned when a nil *gorm.DB is provided.
	ErrDBRequired = errors.New("outbox sqlite: db is required")
	// ErrPathRequired is returned when Open is called without a database path.
	ErrPathRequired = errors.New("outbox sqlite: path is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox sqlite: invalid table name")
	// ErrPruneBeforeRequired is returned when the prune cutoff is missing.
	ErrPruneBeforeRequired = errors.New("outbox sqlite: prune before time is required")
)
