package sync

import "fieldsync/internal/domain/delta"

type pushInput struct {
	Body delta.PushRequest
}

type pushOutput struct {
	Body delta.PushResponse
}

type pullInput struct {
	Body delta.PullRequest
}

type pullOutput struct {
	Body delta.PullResponse
}
