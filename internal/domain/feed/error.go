package feed

import "errors"

var (
	ErrInvalidToken       = errors.New("invalid sync token")
	ErrEntryNotFound      = errors.New("feed entry not found")
	ErrDuplicateOperation = errors.New("operation already stored")
	ErrMissingDevice      = errors.New("device id is required")
)
