package repository

import "errors"

// ErrNotFound is returned when a row does not exist. The log writer keys
// its missing-parent retry off this error.
var ErrNotFound = errors.New("not found")
