package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCommandFailed = errors.New("gateway: command failed")
	ErrTimeout       = errors.New("gateway: command timed out")
	ErrInvalidRole   = errors.New("gateway: invalid join token role")
)

// Error describes a failed orchestration CLI invocation. It unwraps to
// ErrCommandFailed.
type Error struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway: %s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommandFailed}
	}
	return []error{ErrCommandFailed, e.Err}
}
