package quenchd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	Qi "github.com/magnetlab/quenchd/instr"
	Qo "github.com/magnetlab/quenchd/obvy"
	Qt "github.com/magnetlab/quenchd/types"
)

// SourceController is the control-plane face of the current source.
// instr.Source satisfies it; tests substitute a recording stub.
type SourceController interface {
	ProgramSequence(steps Qt.Waveform, opts Qi.SequenceOpts) error
	Trigger() error
	Abort() error
}

// MeterController configures the quench detector and hands over
// the line stream the acquisition loop will read.
type MeterController interface {
	ConfigureQuenchDetector(thresholdMV float64) error
	Stream() (LineReader, error)
	Close() error
}

// meterAdapter narrows instr.Meter to the coordinator's interface
type meterAdapter struct {
	m *Qi.Meter
}

func (ma meterAdapter) ConfigureQuenchDetector(thresholdMV float64) error {
	return ma.m.ConfigureQuenchDetector(thresholdMV)
}

func (ma meterAdapter) Stream() (LineReader, error) { return ma.m.Stream() }
func (ma meterAdapter) Close() error                { return ma.m.Close() }

// Coordinator owns the run lifecycle and is the only writer of
// RunState. It drives the source controller on the control plane,
// starts the acquisition loop on the data plane, and guarantees the
// trigger fires at most once, only after acquisition is listening.
type Coordinator struct {
	MU      sync.Mutex
	Config  *RunConfig
	RunID   string
	Source  SourceController
	Meter   MeterController
	Journal EventWriter
	Stats   *Qo.StatsInternal

	sink      *Sink
	acq       *Acquirer
	lock      *flock.Flock
	state     Qt.RunState
	triggered bool
	stopping  bool

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// RunInfo is the read-only snapshot the display side consumes
type RunInfo struct {
	RunID    string    `json:"runID"`
	State    string    `json:"state"`
	Quench   bool      `json:"quench"`
	QuenchAt time.Time `json:"quenchAt,omitempty"`
	Rows     int       `json:"rows"`
	LogPath  string    `json:"logPath,omitempty"`
}

// NewCoordinator builds a run around a validated-later config.
// The journal may be nil, events are then dropped.
func NewCoordinator(cfg *RunConfig, jw EventWriter) *Coordinator {
	return &Coordinator{
		Config:  cfg,
		RunID:   uuid.NewString(),
		Source:  Qi.NewSource(cfg.SourceAddr),
		Meter:   meterAdapter{m: Qi.NewMeter(cfg.MeterAddr, cfg.ScriptPath)},
		Journal: jw,
		state:   Qt.Idle,
		done:    make(chan struct{}),
	}
}

// Start walks Idle through Running: configure the detector, open the
// log, program and arm the waveform, start acquisition, then trigger.
// Any failure before acquisition is running lands in Failed with the
// same teardown as a normal stop.
func (c *Coordinator) Start() error {
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("refusing to configure: %w", err)
	}

	// One run at a time against the instruments
	lock := flock.New(filepath.Join(c.Config.DataDir, "run.lock"))
	c.MU.Lock()
	c.lock = lock
	c.MU.Unlock()
	locked, err := lock.TryLock()
	if err == nil && !locked {
		err = fmt.Errorf("another run holds the instrument lock")
	}
	if err != nil {
		return err
	}

	c.setState(Qt.Configuring)

	if err := c.Meter.ConfigureQuenchDetector(c.Config.ThresholdMV); err != nil {
		c.fail(err)
		return err
	}

	logPath := c.Config.LogPath
	if logPath == "" {
		logPath = DefaultLogPath(c.Config.DataDir)
	}
	sink, err := NewSink(logPath, DisplayDecimation)
	if err != nil {
		c.fail(err)
		return err
	}
	c.MU.Lock()
	c.sink = sink
	c.MU.Unlock()

	if err := c.Source.ProgramSequence(c.Config.DeriveWaveform(), Qi.SequenceOpts{Counter: 1}); err != nil {
		c.fail(err)
		return err
	}
	c.setState(Qt.Armed)

	stream, err := c.Meter.Stream()
	if err != nil {
		c.fail(err)
		return err
	}

	acq := NewAcquirer(stream, sink, c.Config.RampRate)
	acq.RunID = c.RunID
	acq.Journal = c.Journal
	acq.Stats = c.Stats
	c.MU.Lock()
	c.acq = acq
	c.MU.Unlock()

	// Acquisition must be listening before the waveform can start,
	// otherwise samples between trigger and first read are lost.
	acq.Start()
	c.setState(Qt.Running)

	if err := c.trigger(); err != nil {
		c.fail(err)
		return err
	}

	go c.watch()
	return nil
}

// trigger fires the armed sequence, at most once per run. It refuses
// once teardown has begun: a trigger after the teardown abort would
// leave the source energized with nothing left to abort it.
func (c *Coordinator) trigger() error {
	c.MU.Lock()
	if c.triggered {
		c.MU.Unlock()
		return fmt.Errorf("trigger already sent this run")
	}
	if c.stopping {
		c.MU.Unlock()
		return fmt.Errorf("teardown already underway")
	}
	c.triggered = true
	c.MU.Unlock()
	return c.Source.Trigger()
}

// watch follows the acquisition loop's signals: the quench channel
// moves the run to QuenchDetected, loop termination drives the stop
// path whatever its reason was.
func (c *Coordinator) watch() {
	c.MU.Lock()
	acq := c.acq
	c.MU.Unlock()

	select {
	case <-acq.QuenchChan():
		c.setState(Qt.QuenchDetected)
		<-acq.Done()
	case <-acq.Done():
	}
	if err := c.Stop(); err != nil {
		slog.Error("Teardown finished with errors", slog.Any("Error", err))
	}
}

// Stop drives the Stopping path: signal the loop, join it, then
// best-effort abort and release everything. Idempotent, and safe
// to call as the operator's external stop from any armed state.
// Before the run is armed there is nothing to tear down yet, so the
// intent is refused rather than consumed: a stop that landed here
// would otherwise use up the one teardown the run gets, and the
// trigger that follows would never be aborted.
func (c *Coordinator) Stop() error {
	c.MU.Lock()
	if c.state == Qt.Idle || c.state == Qt.Configuring {
		state := c.state
		c.MU.Unlock()
		return fmt.Errorf("run is %s, nothing to stop", RunStateToString(state))
	}
	c.stopping = true
	acq := c.acq
	c.MU.Unlock()

	c.stopOnce.Do(func() {
		c.setState(Qt.Stopping)
		if acq != nil {
			acq.Stop()
		}
		c.stopErr = c.teardown()
		c.setState(Qt.Stopped)
		close(c.done)
	})
	return c.stopErr
}

// fail performs the same teardown as Stopping but reports the run
// as an error instead of a completion
func (c *Coordinator) fail(err error) {
	c.MU.Lock()
	c.stopping = true
	acq := c.acq
	c.MU.Unlock()

	c.stopOnce.Do(func() {
		slog.Error("Run failed", slog.String("runID", c.RunID), slog.Any("Error", err))
		if acq != nil {
			acq.Stop()
		}
		c.stopErr = multierr.Append(err, c.teardown())
		c.setState(Qt.Failed)
		close(c.done)
	})
}

// teardown never leaves the source energized: abort is always
// attempted first and every release is best-effort, with the
// failures folded together rather than short-circuiting.
func (c *Coordinator) teardown() error {
	var errs error

	c.MU.Lock()
	sink := c.sink
	lock := c.lock
	c.MU.Unlock()

	if err := c.Source.Abort(); err != nil {
		slog.Error("Best-effort abort could not reach source", slog.Any("Error", err))
		errs = multierr.Append(errs, err)
	}
	if err := c.Meter.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if lock != nil {
		if err := lock.Unlock(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Done fires once the run reached Stopped or Failed
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// State reports the current lifecycle state
func (c *Coordinator) State() Qt.RunState {
	c.MU.Lock()
	defer c.MU.Unlock()
	return c.state
}

// Info snapshots the run for the display side. The display handlers
// are live before Start, so the sink and acquirer pointers are read
// under the same lock that published them.
func (c *Coordinator) Info() RunInfo {
	c.MU.Lock()
	state := c.state
	acq := c.acq
	sink := c.sink
	c.MU.Unlock()

	info := RunInfo{
		RunID: c.RunID,
		State: RunStateToString(state),
	}
	if acq != nil {
		info.Quench, info.QuenchAt = acq.Quench()
	}
	if sink != nil {
		info.Rows = sink.Rows()
		info.LogPath = sink.Path()
	}
	return info
}

// Samples hands out the decimated display buffer
func (c *Coordinator) Samples() []Qt.Sample {
	c.MU.Lock()
	sink := c.sink
	c.MU.Unlock()

	if sink == nil {
		return []Qt.Sample{}
	}
	return sink.Snapshot()
}

func (c *Coordinator) setState(s Qt.RunState) {
	c.MU.Lock()
	c.state = s
	c.MU.Unlock()

	slog.Info("Run state", slog.String("runID", c.RunID), slog.String("state", RunStateToString(s)))
	if c.Journal != nil {
		ev := &Qt.RunEvent{RunID: c.RunID, Kind: "state", Detail: RunStateToString(s), At: time.Now()}
		if err := c.Journal.WriteEvent(ev); err != nil {
			slog.Error("Could not journal state change", slog.Any("Error", err))
		}
	}
}

// RunStateToString names the lifecycle states for logs and the API
func RunStateToString(s Qt.RunState) string {
	switch s {
	case Qt.Idle:
		return "idle"
	case Qt.Configuring:
		return "configuring"
	case Qt.Armed:
		return "armed"
	case Qt.Running:
		return "running"
	case Qt.QuenchDetected:
		return "quench-detected"
	case Qt.Stopping:
		return "stopping"
	case Qt.Stopped:
		return "stopped"
	case Qt.Failed:
		return "failed"
	}
	return "unknown"
}
