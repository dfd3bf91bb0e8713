package store

import "errors"

// ErrDuplicateBookmark reports a uniqueness violation on (profile, message).
// Callers treat it as "already bookmarked", not as a failure.
var ErrDuplicateBookmark = errors.New("bookmark already exists")
