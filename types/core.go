package types

/*

	These are the "immutable" core types of quenchd,
	provided for cross-package use (e.g. the journal) and testing.

	There are no functions defined here.
	Struct constructors are housed in their own packages.
	Methods taking these types should create local aliases,
	for example: type Steps []Qt.WaveformStep

*/

import "time"

// WaveformStep is one entry in the programmable sequence
// executed autonomously by the current source once triggered.
// Order is significant: ramp-up, dwell, ramp-down, tail.
type WaveformStep struct {
	TargetCurrent float64 // target current in Amps at the end of the step
	Duration      float64 // seconds spent reaching the target
}

// Waveform is the ordered step sequence for one run
type Waveform []WaveformStep

// Sample is one accepted reading from the measurement instrument.
// Current is derived from the instrument timestamp and the ramp rate,
// forced to zero once a quench has been observed.
type Sample struct {
	Timestamp float64 // instrument-side time, seconds
	Current   float64 // derived ramp-relative current, Amps
	Voltage   float64 // measured voltage, Volts
}

// RunState is the coordinator-owned lifecycle state.
// Only the Run Coordinator mutates it, the acquisition
// side signals events and never writes state directly.
type RunState int

const (
	Idle RunState = iota
	Configuring
	Armed
	Running
	QuenchDetected
	Stopping
	Stopped
	Failed
)

// RunEvent is the journal payload: anything notable that
// happened during a run, keyed by when it happened.
type RunEvent struct {
	RunID  string
	Kind   string // "state", "quench", "instrument-error"
	Detail string
	At     time.Time
}

// Status bits in the source instrument's operation condition register,
// read as a decimal integer with STAT:OPER:COND?
const (
	TriggerWaitBit    = 3 // TWI: armed, waiting for the BUS trigger
	SequenceActiveBit = 6 // SSA: programmed waveform currently executing
)
