package eventbus

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by Publish and Subscribe while the bus is
// stopped.
var ErrNotRunning = errors.New("event bus is not running")

// NotFoundError names a subscription or session id that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError reports a malformed publish or subscribe argument.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }
