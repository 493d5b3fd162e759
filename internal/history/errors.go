package history

import "fmt"

// NotFoundError names a message id that does not exist in the log.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("message %s not found", e.ID)
}

// ValidationError reports a malformed argument rejected synchronously.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }
