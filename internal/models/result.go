package models

import "fmt"

// RunResult is the exit status of one or more borg invocations. Zero means
// success; every failure is positive so that sums of results stay non-zero
// whenever any part failed.
type RunResult int

// Well-known results that do not originate from a process exit code.
const (
	ResultSuccess RunResult = 0
	// ResultNotStarted marks a process that could not be started or
	// communicated with.
	ResultNotStarted RunResult = 127
	// ResultCanceled marks a run that was terminated on request.
	ResultCanceled RunResult = 143
)

// OK reports whether the result signals success.
func (r RunResult) OK() bool {
	return r == ResultSuccess
}

// Add aggregates phase results.
func (r RunResult) Add(other RunResult) RunResult {
	return r + other
}

func (r RunResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNotStarted:
		return "not started"
	case ResultCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("exit %d", int(r))
	}
}
