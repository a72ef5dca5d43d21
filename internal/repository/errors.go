package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicateEmail indicates a user insert hit the unique email index.
// Callers must be able to tell this apart from any other write failure.
var ErrDuplicateEmail = errors.New("repository: email already registered")
