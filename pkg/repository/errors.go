package repository

import "errors"

// ErrNotFound is returned when a requested entity is not found
var ErrNotFound = errors.New("entity not found")

// IsNotFoundError checks if an error is a "not found" error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
