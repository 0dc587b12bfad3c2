package conflict

import "errors"

var (
	ErrConflictResolved = errors.New("conflict is already resolved")
	ErrInvalidValue     = errors.New("resolved value is not valid JSON")
)
