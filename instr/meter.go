package quenchd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	// scriptName is the slot the detector script occupies on the instrument
	scriptName = "QD"

	// thresholdToken is the placeholder substituted in the script body
	thresholdToken = "TRESHOLD"
)

// Meter manages the measurement instrument: it uploads the vendor
// quench-detection script once at configuration time, after which the
// instrument streams unsolicited lines that the acquisition loop reads.
type Meter struct {
	Endpoint   string
	Timeout    time.Duration
	ScriptPath string

	conn *Conn
}

// NewMeter points at a measurement instrument endpoint and the
// on-disk detector script to upload to it
func NewMeter(endpoint, scriptPath string) *Meter {
	return &Meter{
		Endpoint:   endpoint,
		Timeout:    DefaultTimeout,
		ScriptPath: scriptPath,
	}
}

// ConfigureQuenchDetector connects, substitutes the trip threshold
// into the script body (mV in, Volts on the wire), and uploads it:
// abort, delete the old copy, load, save to non-volatile memory, run.
// On success the connection is held open for streaming.
func (m *Meter) ConfigureQuenchDetector(thresholdMV float64) error {
	body, err := os.ReadFile(m.ScriptPath)
	if err != nil {
		return fmt.Errorf("reading detector script: %w", err)
	}
	script := strings.ReplaceAll(string(body), thresholdToken, fmt.Sprintf("%g", thresholdMV/1e3))

	c, err := Dial(m.Endpoint, m.Timeout)
	if err != nil {
		return err
	}
	slog.Info("Connected to meter for script upload", slog.String("endpoint", m.Endpoint))

	cmds := []string{
		"abort",
		fmt.Sprintf("script.delete('%s')", scriptName),
		fmt.Sprintf("loadscript %s", scriptName),
	}
	cmds = append(cmds, strings.Split(script, "\n")...)
	cmds = append(cmds,
		"endscript",
		fmt.Sprintf("%s.save()", scriptName),
		fmt.Sprintf("%s.run()", scriptName),
	)
	for _, cmd := range cmds {
		if err := c.Send(cmd); err != nil {
			c.Close()
			return fmt.Errorf("uploading detector script: %w", err)
		}
	}

	m.conn = c
	slog.Info("Detector script saved and running",
		slog.String("script", scriptName),
		slog.Float64("thresholdMV", thresholdMV))
	return nil
}

// Stream exposes the held connection as a line source for the
// acquisition loop. Configure must have succeeded first.
func (m *Meter) Stream() (*Conn, error) {
	if m.conn == nil {
		return nil, fmt.Errorf("meter not configured")
	}
	return m.conn, nil
}

// Close releases the streaming connection, if one was opened
func (m *Meter) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
