package jobs

import (
	"fmt"
	"unicode/utf8"
)

// MaxMessageLen bounds the job error text shown to users.
const MaxMessageLen = 500

// Reason classifies a job failure.
type Reason string

const (
	ReasonExit     Reason = "exit"
	ReasonTimeout  Reason = "timeout"
	ReasonCanceled Reason = "canceled"
	ReasonStart    Reason = "start"
	ReasonOutput   Reason = "output"
)

// Error is a job failure carrying a user-presentable message.
type Error struct {
	Job      string
	Reason   Reason
	ExitCode int
	// Message is already truncated to MaxMessageLen runes.
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("jobs: %s %s: %s", e.Job, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// OutputError reports a job that exited cleanly but produced unusable output.
func OutputError(job string, err error) *Error {
	return &Error{Job: job, Reason: ReasonOutput, Message: Truncate(err.Error(), MaxMessageLen), Err: err}
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
