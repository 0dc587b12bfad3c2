package queue

import "errors"

var (
	ErrAlreadyProcessing = errors.New("queue processing is already in progress")
	ErrItemNotFound      = errors.New("queue item not found")
	ErrNotCancellable    = errors.New("only pending queue items can be cancelled")
	ErrNoHandler         = errors.New("no handler registered for queue item type")
	ErrEmptyType         = errors.New("queue item type is required")
)
