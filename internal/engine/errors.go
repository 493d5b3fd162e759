package engine

// ValidationError reports a malformed request rejected synchronously at the
// call that introduced it.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }
