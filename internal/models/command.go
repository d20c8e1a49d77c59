package models

import "strings"

// Phase identifies the purpose of a single borg invocation.
type Phase string

// Phases of a repository run.
const (
	PhaseCreate    Phase = "create"
	PhaseRecreate  Phase = "recreate"
	PhasePrune     Phase = "prune"
	PhaseCompact   Phase = "compact"
	PhaseCustom    Phase = "custom"
	PhaseBreakLock Phase = "break-lock"
)

// StderrPolicy selects the log severity for lines written to stderr.
type StderrPolicy int

const (
	// StderrAsInfo is used for tools that report progress on stderr.
	StderrAsInfo StderrPolicy = iota
	// StderrAsError logs every stderr line at error level.
	StderrAsError
)

// CommandSpec is an external command with its arguments.
type CommandSpec struct {
	Args         []string // Args[0] is the executable
	Label        Phase
	StderrPolicy StderrPolicy
}

// String renders the command line for debug logs.
func (c CommandSpec) String() string {
	return strings.Join(c.Args, " ")
}
