package snapshot

import "errors"

var (
	// ErrConfiguration means the credential or database id is missing. No
	// request was sent.
	ErrConfiguration = errors.New("notion api key or database id is not configured")
	// ErrUpstream means a page request failed; the traversal was abandoned.
	ErrUpstream = errors.New("failed to fetch data from notion api")
	// ErrPersistence means the snapshot was fetched but the cache could not be written.
	ErrPersistence = errors.New("failed to write cache file")
	// ErrPaginationLimit means the upstream kept reporting more pages past the configured bound.
	ErrPaginationLimit = errors.New("pagination limit exceeded")
)
