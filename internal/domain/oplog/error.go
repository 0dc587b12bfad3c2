package oplog

import "errors"

var (
	ErrEmptyEntityID     = errors.New("entity id is required")
	ErrEntityExists      = errors.New("entity already exists")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrUpdateWithoutData = errors.New("update carries neither field name nor value")
)
