package models

import "time"

// WOLConfig describes how to wake the machine hosting a remote borg
// repository before the create phase.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	PollURL       string        // optional, polled until the host answers
	Timeout       time.Duration // upper bound for the poll loop
	PollInterval  time.Duration
	StabilizeWait time.Duration // grace period once the host answered
}

// WOLResult reports the outcome of a wake-up attempt.
type WOLResult struct {
	PacketSent   bool
	HostReady    bool
	WaitDuration time.Duration
	Error        error
}
