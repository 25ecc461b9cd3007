package server

import "fmt"

// spawnError signals that the server never reached a usable state: it failed
// to start, exited before announcing an address, or timed out doing so.
// Recoverable: callers fall back to quick mode or retry.
type spawnError struct{ msg string }

func (e spawnError) Error() string { return e.msg }

func errSpawnf(format string, args ...any) error {
	return spawnError{msg: fmt.Sprintf(format, args...)}
}

// IsSpawnFailure reports whether err came from a failed server spawn.
func IsSpawnFailure(err error) bool {
	_, ok := err.(spawnError)
	return ok
}
