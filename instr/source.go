package quenchd

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	Qt "github.com/magnetlab/quenchd/types"
)

const (
	// settleDelay gives the sequencer time to digest bulk list uploads
	settleDelay = 200 * time.Millisecond

	// maxErrDrain bounds the SYST:ERR? drain loop
	maxErrDrain = 32

	// CounterMax is the largest finite iteration count the sequencer accepts
	CounterMax = 9999
)

// Source programs, arms, triggers and aborts the waveform sequencer
// of the current-source instrument. Each operation opens its own
// connection and releases it, so no locking discipline is needed
// between control calls.
type Source struct {
	Endpoint string
	Timeout  time.Duration
	Settle   time.Duration
}

// NewSource points a controller at a source instrument endpoint
func NewSource(endpoint string) *Source {
	return &Source{
		Endpoint: endpoint,
		Timeout:  DefaultTimeout,
		Settle:   settleDelay,
	}
}

// SequenceOpts carries the per-run sequencer parameters.
// A zero StoreCell skips the non-volatile store.
type SequenceOpts struct {
	Counter        int     // iteration count 1..9999
	CounterInf     bool    // run the sequence forever instead
	TriggerDelay   float64 // seconds between trigger and waveform start
	ContinuousInit bool    // re-arm automatically after each sequence
	StoreCell      int     // non-volatile memory cell 1..4, 0 = skip
}

// ProgramSequence uploads the waveform and arms the trigger system.
// The fixed command order matters: reset, silence the trigger output,
// abort anything running, zero the current, upload both step lists,
// configure iteration and trigger source, enable output, then INIT.
// After INIT the instrument must be in trigger-wait; the sequence is
// not started here, that takes a later Trigger call.
func (s *Source) ProgramSequence(steps Qt.Waveform, opts SequenceOpts) error {
	if len(steps) == 0 {
		return &ProgramError{Step: "validate", Err: fmt.Errorf("empty waveform")}
	}
	for i, st := range steps {
		if st.Duration <= 0 {
			return &ProgramError{Step: "validate", Err: fmt.Errorf("step %d duration %g not positive", i, st.Duration)}
		}
	}
	if !opts.CounterInf && (opts.Counter < 1 || opts.Counter > CounterMax) {
		return &ProgramError{Step: "validate", Err: fmt.Errorf("iteration count %d out of range", opts.Counter)}
	}

	c, err := Dial(s.Endpoint, s.Timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	slog.Info("Connected to source for programming", slog.String("endpoint", s.Endpoint))

	counter := "INF"
	if !opts.CounterInf {
		counter = strconv.Itoa(opts.Counter)
	}

	cmds := []string{
		"SYST:LANG SCPI",
		"*CLS",
		"OUTPut:TTLTrg:MODE OFF",
		"ABOR", // abort any running sequence
		"CURR:LEV 0",
		"SOUR:CURR:MODE WAVE",
		fmt.Sprintf("PROG:WAVE:CURR %s", joinCurrents(steps)),
		fmt.Sprintf("PROG:WAVE:TIME %s", joinDurations(steps)),
	}
	for _, cmd := range cmds {
		if err := c.Send(cmd); err != nil {
			return &ProgramError{Step: cmd, Err: err}
		}
	}
	time.Sleep(s.Settle) // allow list processing

	cmds = []string{
		"PROG:STEP AUTO",
		fmt.Sprintf("PROG:COUN %s", counter),
	}
	if opts.StoreCell != 0 {
		cmds = append(cmds, fmt.Sprintf("PROG:STOR %d", opts.StoreCell))
	}
	cmds = append(cmds,
		"TRIG:SOUR BUS",
		fmt.Sprintf("TRIG:DEL %.6g", opts.TriggerDelay),
		fmt.Sprintf("INIT:CONT %s", onOff(opts.ContinuousInit)),
		"OUTP ON", // drive the load when triggered
		"INIT",    // arms the trigger system, Trigger() actually starts it
	)
	for _, cmd := range cmds {
		if err := c.Send(cmd); err != nil {
			return &ProgramError{Step: cmd, Err: err}
		}
	}
	time.Sleep(s.Settle)

	if err := c.Send("OUTPut:TTLTrg:MODE FSTR"); err != nil {
		return &ProgramError{Step: "OUTPut:TTLTrg:MODE FSTR", Err: err}
	}

	// One status poll to confirm trigger-wait. A miss is diagnostic
	// only: some firmware takes an extra moment to raise TWI.
	status, err := statusCond(c)
	if err != nil {
		return &ProgramError{Step: "STAT:OPER:COND?", Err: err}
	}
	twi := Bit(status, Qt.TriggerWaitBit)
	ssa := Bit(status, Qt.SequenceActiveBit)
	if twi != 1 {
		slog.Error("Source not in trigger-wait after INIT",
			slog.Int("status", status), slog.Int("TWI", twi), slog.Int("SSA", ssa))
	} else {
		slog.Info("Source armed, waiting for BUS trigger",
			slog.Int("status", status), slog.Int("TWI", twi), slog.Int("SSA", ssa))
	}

	if err := DrainErrorQueue(c); err != nil {
		return err
	}
	slog.Info("Programming done, BUS trigger selected and system armed")
	return nil
}

// Trigger sends the start-of-sequence software trigger on a fresh
// connection. Sending while not armed is a no-op on the instrument,
// not an error at this layer.
func (s *Source) Trigger() error {
	c, err := Dial(s.Endpoint, s.Timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send("SYST:LANG SCPI"); err != nil {
		return err
	}
	if err := c.Send("*TRG"); err != nil {
		return err
	}
	slog.Info("Trigger sent, sequence starting")
	return nil
}

// Abort stops any running sequence, disables output, and releases a
// pending trigger-wait. Safe to call from any state, including after
// a prior abort: the instrument never rejects it, only a failed
// connection surfaces, and even that is best-effort for the caller.
func (s *Source) Abort() error {
	c, err := Dial(s.Endpoint, s.Timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, cmd := range []string{"ABOR", "OUTP OFF", "*TRG"} {
		if err := c.Send(cmd); err != nil {
			return err
		}
	}
	slog.Info("Source aborted, output disabled")
	return nil
}

// ReadStatus polls the operation condition register on a fresh connection
func (s *Source) ReadStatus() (int, error) {
	c, err := Dial(s.Endpoint, s.Timeout)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return statusCond(c)
}

// DrainErrorQueue polls SYST:ERR? until it returns code 0.
// Non-zero codes are logged as diagnostics and the drain continues.
// An unparseable first field means the conversation is desynchronized,
// which aborts the programming operation.
func DrainErrorQueue(c *Conn) error {
	for i := 0; i < maxErrDrain; i++ {
		reply, err := c.Query("SYST:ERR?")
		if err != nil {
			return &ProgramError{Step: "SYST:ERR?", Err: err}
		}
		codeStr, desc, _ := strings.Cut(reply, ",")
		code, err := strconv.Atoi(strings.TrimSpace(codeStr))
		if err != nil {
			return &ProgramError{Step: "SYST:ERR?", Err: &ProtocolError{Op: "SYST:ERR?", Detail: reply}}
		}
		if code == 0 {
			return nil
		}
		ierr := &InstrumentError{Code: code, Desc: strings.Trim(desc, `" `)}
		slog.Error("Source reported error", slog.Any("Error", ierr))
	}
	return &ProgramError{Step: "SYST:ERR?", Err: fmt.Errorf("error queue did not drain after %d entries", maxErrDrain)}
}

// Bit returns bit n (0/1) from val
func Bit(val, n int) int {
	return (val >> n) & 1
}

func statusCond(c *Conn) (int, error) {
	reply, err := c.Query("STAT:OPER:COND?")
	if err != nil {
		return 0, err
	}
	status, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return 0, &ProtocolError{Op: "STAT:OPER:COND?", Detail: reply}
	}
	return status, nil
}

// joinCurrents formats the step current list with 6 significant digits
func joinCurrents(steps Qt.Waveform) string {
	vals := make([]string, len(steps))
	for i, st := range steps {
		vals[i] = fmt.Sprintf("%.6g", st.TargetCurrent)
	}
	return strings.Join(vals, ",")
}

// joinDurations formats the step duration list with 6 significant digits
func joinDurations(steps Qt.Waveform) string {
	vals := make([]string, len(steps))
	for i, st := range steps {
		vals[i] = fmt.Sprintf("%.6g", st.Duration)
	}
	return strings.Join(vals, ",")
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
