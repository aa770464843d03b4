package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("delivery mysql: db is required")
	// ErrTableNameRequired is returned when a table name is empty.
	ErrTableNameRequired = errors.New("delivery mysql: table name is required")
	// ErrInvalidTableName is returned when a table name has disallowed characters.
	ErrInvalidTableName = errors.New("delivery mysql: invalid table name")
	// ErrPruneBeforeRequired is returned when the prune cutoff is missing.
	ErrPruneBeforeRequired = errors.New("delivery mysql: prune before time is required")
	// ErrPruneLimitInvalid is returned when the prune limit is negative.
	ErrPruneLimitInvalid = errors.New("delivery mysql: prune limit must be non-negative")
	// ErrPruneRetentionInvalid is returned when the prune retention is not positive.
	ErrPruneRetentionInvalid = errors.New("delivery mysql: prune retention must be positive")
)
