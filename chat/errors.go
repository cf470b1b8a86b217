package chat

import "errors"

var (
	// ErrNoHistory indicates the backend has no chat document for the pair yet.
	ErrNoHistory = errors.New("chat: no history found")
	// ErrFetchFailed wraps any other history fetch failure.
	ErrFetchFailed = errors.New("chat: history fetch failed")
	// ErrEmptyMessage indicates the composed text is blank after trimming.
	ErrEmptyMessage = errors.New("chat: message is empty")
	// ErrMissingIdentity indicates a send was attempted without a local user ID.
	ErrMissingIdentity = errors.New("chat: local user ID not available")
	// ErrSessionClosed indicates the session was already torn down.
	ErrSessionClosed = errors.New("chat: session closed")
)
