package journal_test

import (
	"testing"
	"time"

	Qj "github.com/magnetlab/quenchd/journal"
	Qt "github.com/magnetlab/quenchd/types"
)

func testEvent(kind, detail string, at time.Time) *Qt.RunEvent {
	return &Qt.RunEvent{
		RunID:  "33c41bfa-run",
		Kind:   kind,
		Detail: detail,
		At:     at,
	}
}

func TestNewJournal(t *testing.T) {
	t.Run("Opens and closes a database", func(t *testing.T) {
		j, err := Qj.NewJournal(t.TempDir(), 4)
		if err != nil {
			t.Fatalf("could not open journal: %v", err)
		}
		if j.Type() != "BadgerDB" {
			t.Errorf("got journal type %q, want BadgerDB", j.Type())
		}
		if err := j.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})

	t.Run("Errors on an unusable path", func(t *testing.T) {
		_, err := Qj.NewJournal("/dev/null/journal", 4)
		if err == nil {
			t.Error("wanted an error but didn't get one")
		}
	})
}

func TestWriteEvent(t *testing.T) {
	t.Run("Buffers below the batch size", func(t *testing.T) {
		j, err := Qj.NewJournal(t.TempDir(), 4)
		if err != nil {
			t.Fatal(err)
		}
		defer j.Close()

		for i := 0; i < 3; i++ {
			if err := j.WriteEvent(testEvent("state", "running", time.Now())); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}
		if got := len(j.Buffer); got != 3 {
			t.Errorf("got %d buffered events, want 3", got)
		}
	})

	t.Run("Flushes once the batch fills", func(t *testing.T) {
		j, err := Qj.NewJournal(t.TempDir(), 2)
		if err != nil {
			t.Fatal(err)
		}
		defer j.Close()

		j.WriteEvent(testEvent("state", "armed", time.Now()))
		j.WriteEvent(testEvent("state", "running", time.Now()))
		if got := len(j.Buffer); got != 0 {
			t.Errorf("got %d buffered events after the batch filled, want 0", got)
		}
	})
}

func TestQueryRange(t *testing.T) {
	j, err := Qj.NewJournal(t.TempDir(), 8)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	base := time.Now().Add(-time.Minute)
	j.WriteEvent(testEvent("state", "running", base.Add(1*time.Second)))
	j.WriteEvent(testEvent("quench", "QD", base.Add(2*time.Second)))
	j.WriteEvent(testEvent("state", "stopped", base.Add(10*time.Second)))
	if err := j.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	t.Run("Returns only events inside the window", func(t *testing.T) {
		events, err := j.QueryRange(base, base.Add(5*time.Second))
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("Keeps every same-instant event", func(t *testing.T) {
		at := base.Add(20 * time.Second)
		j.WriteEvent(testEvent("state", "stopping", at))
		j.WriteEvent(testEvent("state", "stopped", at))
		if err := j.Flush(); err != nil {
			t.Fatal(err)
		}

		events, err := j.QueryRange(base.Add(15*time.Second), base.Add(25*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Errorf("got %d events, want both same-instant events", len(events))
		}
	})

	t.Run("Round-trips the event payload", func(t *testing.T) {
		events, err := j.QueryRange(base, base.Add(5*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, ev := range events {
			if ev.Kind == "quench" && ev.Detail == "QD" {
				found = true
			}
		}
		if !found {
			t.Error("quench event did not round-trip")
		}
	})
}

func TestEventKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	t.Run("Is fixed-width for chronological ordering", func(t *testing.T) {
		key := Qj.EventKey(testEvent("quench", "QD", at))
		if len(key) != 16 {
			t.Errorf("got key length %d, want 16", len(key))
		}
	})

	t.Run("Same-instant events get distinct keys", func(t *testing.T) {
		first := Qj.EventKey(testEvent("state", "running", at))
		second := Qj.EventKey(testEvent("state", "running", at))
		if string(first) == string(second) {
			t.Error("identical events collided on one key")
		}
	})

	t.Run("Sorts later events after earlier ones", func(t *testing.T) {
		early := Qj.EventKey(testEvent("state", "armed", at))
		late := Qj.EventKey(testEvent("state", "running", at.Add(time.Second)))
		if string(early) >= string(late) {
			t.Error("keys do not sort chronologically")
		}
	})

	t.Run("Tags the kind and truncates the run ID", func(t *testing.T) {
		key := Qj.EventKey(testEvent("quench", "QD", at))
		if key[8] != 'q' {
			t.Errorf("got kind tag %q, want 'q'", key[8])
		}
		if string(key[9:14]) != "33c41" {
			t.Errorf("got run tag %q, want 33c41", string(key[9:14]))
		}
	})
}

func TestEventEncodeDecode(t *testing.T) {
	at := time.Now().Round(0)
	ev := testEvent("state", "quench-detected", at)

	got, err := Qj.EventDecode(Qj.EventEncode(ev))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.RunID != ev.RunID || got.Kind != ev.Kind || got.Detail != ev.Detail {
		t.Errorf("got %+v, want %+v", got, ev)
	}
	if !got.At.Equal(at) {
		t.Errorf("got time %v, want %v", got.At, at)
	}
}
