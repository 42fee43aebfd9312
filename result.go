package sketch

import (
	"errors"
	"fmt"
)

// Result is the outcome every engine operation reports to the command
// layer: a code (0 = success), a single-line message and a flag marking
// the message as user-visible query output rather than diagnostic text.
type Result struct {
	Code    int
	Message string
	Content bool
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Code == 0 }

// Err returns the result as an error, or nil on success.
func (r Result) Err() error {
	if r.Code == 0 {
		return nil
	}
	return errors.New(r.Message)
}

func ok() Result {
	return Result{}
}

func okf(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

func content(message string) Result {
	return Result{Message: message, Content: true}
}

func fail(err error) Result {
	return Result{Code: -1, Message: err.Error()}
}

func failf(format string, args ...any) Result {
	return Result{Code: -1, Message: fmt.Sprintf(format, args...)}
}
