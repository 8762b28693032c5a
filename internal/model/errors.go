package model

import "errors"

// ErrNotFound is returned by every repository when a record does not exist.
var ErrNotFound = errors.New("record not found")
