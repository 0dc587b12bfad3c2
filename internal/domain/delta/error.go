package delta

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrBatchFinalized       = errors.New("sync batch is already finalized")
	ErrUnknownStrategy      = errors.New("unknown conflict resolution strategy")
	ErrInvalidPolicy        = errors.New("invalid sync policy")
	ErrUnknownEntityType    = errors.New("unknown entity type")
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrMissingValue         = errors.New("operation has no value")
	ErrNotAnObject          = errors.New("entity value is not a JSON object")
)
