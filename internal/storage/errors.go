package storage

import "errors"

// ErrNotFound is returned when an execution was never archived.
var ErrNotFound = errors.New("storage: execution not found")
