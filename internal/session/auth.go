package session

import "errors"

// ErrNotAuthenticated is returned by operations that need a local
// identity when the config carries none. The daemon stays up in the
// auth-required state; sync and send short-circuit with this error.
var ErrNotAuthenticated = errors.New("session: no identity configured")
