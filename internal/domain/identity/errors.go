package identity

import "errors"

// Sentinel errors.
var (
	ErrNotFound        = errors.New("identity not found")
	ErrAccountNotFound = errors.New("registered account not found")
	ErrEmptyName       = errors.New("display name is empty")
	ErrDuplicate       = errors.New("identity already exists")
)
