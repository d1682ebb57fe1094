package quenchd

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	Qo "github.com/magnetlab/quenchd/obvy"
	Qt "github.com/magnetlab/quenchd/types"
)

const (
	// DefaultPollPeriod is the acquisition cadence, 100 Hz.
	// The loop never spins faster than this even when reads
	// return instantly; a slow instrument simply throttles it.
	DefaultPollPeriod = 10 * time.Millisecond

	// DefaultQuenchGrace keeps acquisition alive after the marker
	// so the decay behavior still lands in the log
	DefaultQuenchGrace = 1 * time.Second

	// DefaultErrorLimit is how many consecutive bad iterations
	// the loop absorbs before terminating itself
	DefaultErrorLimit = 3

	// quenchToken is the literal line the detector script emits once
	quenchToken = "QD"

	// preRollSeconds corrects for the instrument-side pre-roll
	// baked into every streamed timestamp
	preRollSeconds = 1.0

	// currentDecimals bounds the precision of the derived current
	currentDecimals = 3
)

// LineReader is the streaming side of the measurement instrument.
// instr.Conn satisfies it; tests feed scripted lines instead.
type LineReader interface {
	ReadLine() (string, error)
}

// EventWriter receives run events for the journal.
// Nil is fine, events are then dropped.
type EventWriter interface {
	WriteEvent(ev *Qt.RunEvent) error
}

// Acquirer is the data-plane loop: one read per tick, classify,
// derive the ramp-relative current, hand the sample to the sink.
// It owns its connection and never touches coordinator state, it
// only signals: the quench channel fires once on the marker, the
// done channel fires when the loop decides the run must stop.
type Acquirer struct {
	MU         sync.Mutex
	Reader     LineReader
	Sink       *Sink
	Journal    EventWriter
	Stats      *Qo.StatsInternal
	RunID      string
	RampRate   float64
	Period     time.Duration
	Grace      time.Duration
	ErrorLimit int

	strikes    int
	quenchSeen bool
	quenchAt   time.Time
	reason     string

	stopChan chan struct{}
	quenchCh chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAcquirer wires a loop to a line source and a sink.
// Period, Grace and ErrorLimit can be overridden before Start.
func NewAcquirer(r LineReader, sink *Sink, rampRate float64) *Acquirer {
	return &Acquirer{
		Reader:     r,
		Sink:       sink,
		RampRate:   rampRate,
		Period:     DefaultPollPeriod,
		Grace:      DefaultQuenchGrace,
		ErrorLimit: DefaultErrorLimit,
		stopChan:   make(chan struct{}),
		quenchCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the loop goroutine
func (a *Acquirer) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.done)

		ticker := time.NewTicker(a.Period)
		defer ticker.Stop()

		for {
			select {
			case <-a.stopChan:
				a.setReason("stop requested")
				return
			case <-ticker.C:
				if a.graceExpired() {
					a.setReason("quench grace elapsed")
					slog.Info("Stopping collection, quench grace elapsed", slog.String("runID", a.RunID))
					return
				}
				a.readOne()
				if a.strikeCount() >= a.ErrorLimit {
					a.setReason("error threshold")
					slog.Error("Stopping collection, consecutive read errors",
						slog.Int("limit", a.ErrorLimit), slog.String("runID", a.RunID))
					return
				}
			}
		}
	}()
}

// Stop signals the loop and blocks until it has exited, so no
// write to the log or meter connection can happen after teardown.
// The loop observes the signal within one polling period.
func (a *Acquirer) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.wg.Wait()
}

// Done fires when the loop has terminated, by itself or by Stop
func (a *Acquirer) Done() <-chan struct{} { return a.done }

// QuenchChan fires once, on the first quench marker
func (a *Acquirer) QuenchChan() <-chan struct{} { return a.quenchCh }

// Quench reports whether and when the marker was observed.
// The flag only ever goes false to true.
func (a *Acquirer) Quench() (bool, time.Time) {
	a.MU.Lock()
	defer a.MU.Unlock()
	return a.quenchSeen, a.quenchAt
}

// Reason reports why the loop exited
func (a *Acquirer) Reason() string {
	a.MU.Lock()
	defer a.MU.Unlock()
	return a.reason
}

// readOne handles a single iteration: read, classify, emit.
// Three outcomes: the quench marker, a t,v pair, or a strike.
func (a *Acquirer) readOne() {
	start := time.Now()
	line, err := a.Reader.ReadLine()
	if a.Stats != nil {
		a.Stats.RecReadTimer(time.Since(start))
	}
	if err != nil {
		slog.Error("Read error", slog.Any("Error", err))
		a.strike()
		return
	}

	line = strings.TrimSpace(line)
	if line == quenchToken {
		a.markQuench()
		a.clearStrikes()
		return
	}

	tStr, vStr, found := strings.Cut(line, ",")
	if !found {
		slog.Error("Unclassifiable line", slog.String("line", line))
		a.strike()
		return
	}
	t, err := strconv.ParseFloat(strings.TrimSpace(tStr), 64)
	if err != nil {
		slog.Error("Bad timestamp field", slog.String("line", line))
		a.strike()
		return
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(vStr), 64)
	if err != nil {
		slog.Error("Bad voltage field", slog.String("line", line))
		a.strike()
		return
	}

	// Post-quench the source is stationary, so the derived
	// current is pinned to zero instead of extrapolated.
	seen, _ := a.Quench()
	current := 0.0
	if !seen {
		current = FloatPrecise((t-preRollSeconds)*a.RampRate, currentDecimals)
	}

	sample := Qt.Sample{Timestamp: t, Current: current, Voltage: v}
	if err := a.Sink.Append(sample); err != nil {
		slog.Error("Could not log sample", slog.Any("Error", err))
		a.strike()
		return
	}
	if a.Stats != nil {
		a.Stats.RecSample()
	}
	a.clearStrikes()
}

// markQuench flips the one-way flag and records the instant
func (a *Acquirer) markQuench() {
	a.MU.Lock()
	if a.quenchSeen {
		a.MU.Unlock()
		return
	}
	a.quenchSeen = true
	a.quenchAt = time.Now()
	at := a.quenchAt
	a.MU.Unlock()

	close(a.quenchCh)
	slog.Info("Quench marker observed", slog.String("runID", a.RunID), slog.Time("at", at))
	if a.Stats != nil {
		a.Stats.RecQuench()
	}
	if a.Journal != nil {
		ev := &Qt.RunEvent{RunID: a.RunID, Kind: "quench", Detail: quenchToken, At: at}
		if err := a.Journal.WriteEvent(ev); err != nil {
			slog.Error("Could not journal quench event", slog.Any("Error", err))
		}
	}
}

func (a *Acquirer) graceExpired() bool {
	a.MU.Lock()
	defer a.MU.Unlock()
	return a.quenchSeen && time.Since(a.quenchAt) >= a.Grace
}

func (a *Acquirer) strike() {
	a.MU.Lock()
	a.strikes++
	a.MU.Unlock()
	if a.Stats != nil {
		a.Stats.RecStrike()
	}
}

func (a *Acquirer) clearStrikes() {
	a.MU.Lock()
	a.strikes = 0
	a.MU.Unlock()
}

func (a *Acquirer) strikeCount() int {
	a.MU.Lock()
	defer a.MU.Unlock()
	return a.strikes
}

func (a *Acquirer) setReason(r string) {
	a.MU.Lock()
	a.reason = r
	a.MU.Unlock()
}
