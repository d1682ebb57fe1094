package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	Qt "github.com/magnetlab/quenchd/types"
)

// Journal is the per-run event record: quench markers, instrument
// diagnostics and state transitions, batched into BadgerDB so the
// display side can replay what happened and when. It is not a
// historical-run database, one run's events live here at a time.
type Journal struct {
	MU        sync.Mutex
	DB        *badger.DB
	BatchSize int
	Buffer    []*Qt.RunEvent
}

func NewJournal(path string, batchSize int) (*Journal, error) {
	opts := badger.DefaultOptions(path).
		WithCompression(options.ZSTD).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		slog.Error("Journal failed to open database", slog.Any("error", err))
		return nil, fmt.Errorf("database error: %w", err)
	}

	slog.Info("Journal opened",
		slog.String("path", path),
		slog.Int("batchSize", batchSize))

	return &Journal{
		DB:        db,
		BatchSize: batchSize,
		Buffer:    make([]*Qt.RunEvent, 0, batchSize),
	}, nil
}

// WriteEvent queues up a batch of events,
// when batchsize is reached, it calls Flush()
// which calls WriteBatch() with the new batch
func (j *Journal) WriteEvent(ev *Qt.RunEvent) error {
	j.MU.Lock()
	defer j.MU.Unlock()

	j.Buffer = append(j.Buffer, ev)
	if len(j.Buffer) >= j.BatchSize {
		return j.flushLocked() // private Flush that does not lock
	}
	return nil
}

// WriteBatch performs the key/value creation to be stored
// and actually calls BadgerDB to write the data
func (j *Journal) WriteBatch(events []*Qt.RunEvent) error {
	wb := j.DB.NewWriteBatch()
	defer wb.Cancel()

	for _, ev := range events {
		k := EventKey(ev)
		v := EventEncode(ev)
		if err := wb.Set(k, v); err != nil {
			slog.Error("Journal failed to set key in batch",
				slog.Any("error", err),
				slog.Time("eventTime", ev.At),
				slog.String("kind", ev.Kind))
			return fmt.Errorf("write batch error: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		slog.Error("Journal failed to flush batch", slog.Any("error", err))
		return fmt.Errorf("batch flush error: %w", err)
	}

	return nil
}

// Flush is the public method that blocks,
// it sends data to WriteBatch and then clears the buffer
func (j *Journal) Flush() error {
	j.MU.Lock()
	defer j.MU.Unlock()

	if len(j.Buffer) == 0 {
		return nil
	}

	err := j.WriteBatch(j.Buffer) // Delegate to WriteBatch
	j.Buffer = j.Buffer[:0]       // Clear but keep capacity
	return err
}

// flushLocked mimics Flush without locking, called by WriteEvent
func (j *Journal) flushLocked() error {
	err := j.WriteBatch(j.Buffer) // Delegate to WriteBatch
	j.Buffer = j.Buffer[:0]       // Clear but keep capacity
	return err
}

// Close returns a Flush error but still attempts to close
func (j *Journal) Close() error {
	slog.Info("Journal closing, flushing buffer",
		slog.Int("bufferSize", len(j.Buffer)))
	flushErr := j.Flush()
	closeErr := j.DB.Close()

	if flushErr != nil {
		slog.Error("Journal failed to flush on close", slog.Any("error", flushErr))
		return fmt.Errorf("flush failed, close may have failed: %v", flushErr)
	}

	if closeErr != nil {
		slog.Error("Journal failed to close database", slog.Any("error", closeErr))
		return fmt.Errorf("close failed: %v", closeErr)
	}

	slog.Info("Journal closed successfully")
	return nil
}

func (j *Journal) Type() string { return "BadgerDB" }

// keySeq disambiguates events landing on the same nanosecond,
// otherwise their keys would collide and the later write would
// silently replace the earlier one
var keySeq atomic.Uint32

// EventKey creates a composite key
// timestamp + first letter of kind + first five letters of run ID
// + a rolling sequence number
func EventKey(ev *Qt.RunEvent) []byte {
	key := make([]byte, 8+1+5+2)

	// Using positive BigEndian integer to convert timestamp
	// so keys can be sorted chronologically by BadgerDB
	binary.BigEndian.PutUint64(key[0:8], uint64(ev.At.UnixNano()))

	// Tag the kind
	if len(ev.Kind) > 0 {
		key[8] = ev.Kind[0]
	}

	// Keep the run ID at five chars
	if len(ev.RunID) > 0 {
		rBytes := []byte(ev.RunID)
		n := len(rBytes)
		if n > 5 {
			n = 5
		}
		copy(key[9:9+n], rBytes[:n])
	}

	// Sequence suffix keeps same-instant events distinct
	binary.BigEndian.PutUint16(key[14:16], uint16(keySeq.Add(1)))

	return key
}

// EventEncode serializes the run event struct for data storage
func EventEncode(ev *Qt.RunEvent) []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	enc.Encode(ev)
	return buf.Bytes()
}

// EventDecode deserializes the run event data
func EventDecode(data []byte) (*Qt.RunEvent, error) {
	var ev Qt.RunEvent
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	err := dec.Decode(&ev)
	return &ev, err
}

// QueryRange retrieves events within a time range
func (j *Journal) QueryRange(start, end time.Time) ([]*Qt.RunEvent, error) {
	var events []*Qt.RunEvent

	// db.View() callback
	// BadgerDB provides a transaction in which to get item.Value()
	err := j.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			// item.Value() callback
			// BadgerDB passes bytes to the anon func
			err := item.Value(func(val []byte) error {
				ev, err := EventDecode(val)
				if err != nil {
					slog.Error("Journal failed to decode event", slog.Any("error", err))
					return fmt.Errorf("event decode error: %w", err)
				}

				// Filter by time range
				if ev.At.After(start) && ev.At.Before(end) {
					events = append(events, ev)
				}

				return nil
			})
			if err != nil {
				slog.Error("Journal callback failure", slog.Any("error", err))
				return fmt.Errorf("item data error: %w", err)
			}
		}
		return nil
	})

	slog.Info("Journal QueryRange successful", slog.Int("count", len(events)))

	return events, err
}
