package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrUnsupported indicates a file format or operation is not supported
	ErrUnsupported = errors.New("unsupported")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSchemaTooNew indicates the database was written by a newer schema version
	ErrSchemaTooNew = errors.New("database schema is newer than this program supports")

	// ErrKeyExists indicates a re-key target is already taken by another cached entity
	ErrKeyExists = errors.New("key already cached")

	// ErrKeyMissing indicates a re-key source is not cached
	ErrKeyMissing = errors.New("key not cached")

	// ErrInsertFailed indicates storage returned a non-positive generated id
	ErrInsertFailed = errors.New("insert returned no id")

	// ErrNoQueryType indicates a query was run before its type was set
	ErrNoQueryType = errors.New("query type not set")

	// ErrQueryUsed indicates a blocking query maker was run twice
	ErrQueryUsed = errors.New("query maker already used")

	// ErrAborted indicates a query was aborted before delivering results
	ErrAborted = errors.New("query aborted")

	// ErrClosed indicates the collection has been closed
	ErrClosed = errors.New("collection closed")
)
