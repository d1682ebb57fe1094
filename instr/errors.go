package quenchd

import "fmt"

// ConnectError means the instrument endpoint refused or never answered.
// Fatal to the attempted operation.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError means no response arrived within the socket timeout.
// Control-plane callers treat it as fatal, the acquisition loop
// counts it toward its error threshold instead.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError means the peer broke the line protocol,
// e.g. closed the connection before a terminator arrived
// or returned something unparseable.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Detail)
}

// InstrumentError is a non-zero entry drained from the
// instrument's own error queue. Diagnostic, not fatal.
type InstrumentError struct {
	Code int
	Desc string
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("instrument error %d: %s", e.Code, e.Desc)
}

// ProgramError means the waveform programming operation could not
// complete: a write failed or the error-queue drain never terminated.
type ProgramError struct {
	Step string
	Err  error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("programming failed at %s: %v", e.Step, e.Err)
}

func (e *ProgramError) Unwrap() error { return e.Err }
