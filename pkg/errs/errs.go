// Package errs defines the error kinds callers of waterwall can match with errors.Is.
package errs

import "errors"

var (
	// ErrAccessDenied means the caller lacks the privilege to read a process's counters
	// or to change firewall rules.
	ErrAccessDenied = errors.New("access denied")
	// ErrProcessVanished means the pid disappeared between enumeration and the detail read.
	ErrProcessVanished = errors.New("process vanished")
	// ErrInvalidArgument is returned before any external call is made.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEnforcementFailed means the firewall command was unavailable or rejected the call.
	ErrEnforcementFailed = errors.New("enforcement failed")
)
