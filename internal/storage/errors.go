// Package storage defines the sentinel errors shared by every store
// implementation. The store contracts themselves live with their
// consumers (registry, position, risk, execution).
package storage

import "errors"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateKey indicates a uniqueness violation.
var ErrDuplicateKey = errors.New("storage: duplicate key")
