package localstore

import "errors"

var (
	ErrNotFound         = errors.New("cached record not found")
	ErrMutationNotFound = errors.New("queued mutation not found")
	ErrDeleted          = errors.New("cached record is soft-deleted")
)
