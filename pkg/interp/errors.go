package interp

import "fmt"

// LoadError is a failure to compile or run a script's top-level chunk.
// The instance that produced it never runs hooks.
type LoadError struct {
	ID   uint64
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load #%d %s: %v", e.ID, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RuntimeError is a failure raised while a hook was running.
type RuntimeError struct {
	ID   uint64
	Path string
	Hook string
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("hook %s on #%d %s: %v", e.Hook, e.ID, e.Path, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
