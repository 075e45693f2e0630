package model

import "errors"

// Error kinds the collector and its subsystems distinguish on. They are
// sentinel errors checked with errors.Is/errors.As rather than a dynamic
// error-code field, matching the teacher's fmt.Errorf("...: %w", err)
// wrapping idiom.
var (
	// ErrTransientNetwork covers a REST timeout or WebSocket drop; callers
	// retry with bounded backoff.
	ErrTransientNetwork = errors.New("orderbookintel: transient network error")

	// ErrDesync means the update-ordering predicate failed or the book
	// crossed; callers must re-initialize the book.
	ErrDesync = errors.New("orderbookintel: book desynchronized")

	// ErrMalformedMessage means a feed payload failed to parse or was
	// missing a required field; the message is dropped.
	ErrMalformedMessage = errors.New("orderbookintel: malformed feed message")

	// ErrFatalInit means the book could not be initialized at startup;
	// this propagates to the launcher, which exits non-zero.
	ErrFatalInit = errors.New("orderbookintel: fatal initialization error")

	// ErrStorageWrite covers a failed persistence write; it is logged and
	// swallowed, since in-memory state remains the source of truth.
	ErrStorageWrite = errors.New("orderbookintel: storage write failed")
)
