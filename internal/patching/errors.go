package patching

import "fmt"

// ErrUnsupportedOS indicates no update source serves the target's OS.
type ErrUnsupportedOS struct {
	OS string
}

func (e *ErrUnsupportedOS) Error() string {
	return fmt.Sprintf("no update source for os %q", e.OS)
}

// ErrMalformedOutput indicates the update query returned text that is not
// the expected JSON shape.
type ErrMalformedOutput struct {
	Source string
	Detail string
}

func (e *ErrMalformedOutput) Error() string {
	return fmt.Sprintf("%s returned malformed update list: %s", e.Source, e.Detail)
}

// ErrQueryFailed indicates the remote update query exited non-zero.
type ErrQueryFailed struct {
	ExitCode int
	Stderr   string
}

func (e *ErrQueryFailed) Error() string {
	return fmt.Sprintf("update query exited with code %d: %s", e.ExitCode, e.Stderr)
}
