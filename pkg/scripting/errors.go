package scripting

import "errors"

var (
	// ErrUnknownGroup is returned when a message names a script path that
	// no consumer has ever requested.
	ErrUnknownGroup = errors.New("UnknownGroup")

	// ErrKindConflict is returned when a path is resolved under a different
	// instance kind than the one it was first resolved with.
	ErrKindConflict = errors.New("scripting: instance kind conflict")

	// ErrAlreadyRequested is returned by RequestScripts for a consumer that
	// already has scripts.
	ErrAlreadyRequested = errors.New("scripting: scripts already requested")

	// ErrNoConsumer is returned for operations on an unregistered consumer.
	ErrNoConsumer = errors.New("scripting: no such consumer")
)
