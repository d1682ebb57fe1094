package quenchd

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	Qt "github.com/magnetlab/quenchd/types"
)

const (
	// DisplayDecimation keeps every Nth accepted sample for the live view
	DisplayDecimation = 20

	// logNameFormat matches the capture filenames operators are used to
	logNameFormat = "01022006_150405"
)

// Sink receives every accepted Sample: each one is appended to the
// CSV log and flushed immediately (a crash loses at most the in-flight
// line), and every Nth lands in the append-only display buffer that
// the front-end reads on its own tick.
type Sink struct {
	MU    sync.Mutex
	file  *os.File
	csv   *csv.Writer
	path  string
	decim int
	rows  int
	buf   []Qt.Sample
}

// DefaultLogPath builds a timestamped capture filename under dir
func DefaultLogPath(dir string) string {
	return filepath.Join(dir, time.Now().Format(logNameFormat)+".csv")
}

// NewSink opens the run log and writes its header. An existing file at
// the requested path is never overwritten: the sink falls back to a
// fresh timestamped name in the same directory.
func NewSink(path string, decimation int) (*Sink, error) {
	if decimation <= 0 {
		decimation = DisplayDecimation
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		slog.Error("Log file exists, picking a new name", slog.String("path", path))
		time.Sleep(time.Second)
		path = DefaultLogPath(dir)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	w := csv.NewWriter(file)
	if err := w.Write([]string{"timestamp", "current", "voltage"}); err != nil {
		file.Close()
		return nil, fmt.Errorf("writing log header: %w", err)
	}
	w.Flush()

	slog.Info("Run log opened", slog.String("path", path))
	return &Sink{
		file:  file,
		csv:   w,
		path:  path,
		decim: decimation,
	}, nil
}

// Append logs one accepted sample and flushes the row out
func (s *Sink) Append(sample Qt.Sample) error {
	s.MU.Lock()
	defer s.MU.Unlock()

	row := []string{
		strconv.FormatFloat(sample.Timestamp, 'g', -1, 64),
		strconv.FormatFloat(sample.Current, 'g', -1, 64),
		strconv.FormatFloat(sample.Voltage, 'g', -1, 64),
	}
	if err := s.csv.Write(row); err != nil {
		return fmt.Errorf("appending sample: %w", err)
	}
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return fmt.Errorf("flushing sample: %w", err)
	}

	if s.rows%s.decim == 0 {
		s.buf = append(s.buf, sample)
	}
	s.rows++
	return nil
}

// Snapshot copies the decimated display buffer for the front-end
func (s *Sink) Snapshot() []Qt.Sample {
	s.MU.Lock()
	defer s.MU.Unlock()

	out := make([]Qt.Sample, len(s.buf))
	copy(out, s.buf)
	return out
}

// Rows reports how many samples were accepted so far
func (s *Sink) Rows() int {
	s.MU.Lock()
	defer s.MU.Unlock()
	return s.rows
}

// Path reports where the log landed after collision handling
func (s *Sink) Path() string {
	return s.path
}

// Close flushes and releases the log file
func (s *Sink) Close() error {
	s.MU.Lock()
	defer s.MU.Unlock()

	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
