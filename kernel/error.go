package kernel

// Error describes a kernel error. Recoverable kernel errors are defined as
// package-level pointers to Error and callers compare them by identity, so no
// allocation happens on the error path.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is the same kernel error value. It lets callers
// that wrapped a kernel error with fmt.Errorf still match it via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t == e
}
