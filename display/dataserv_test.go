package quenchd_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	Qd "github.com/magnetlab/quenchd/display"
	Qo "github.com/magnetlab/quenchd/obvy"
	Qr "github.com/magnetlab/quenchd/run"
)

func testView(t testing.TB) (*Qd.View, *Qr.Coordinator) {
	t.Helper()
	cfg := &Qr.RunConfig{
		ThresholdMV: 0.2,
		RampRate:    20,
		MaxCurrent:  500,
		SourceAddr:  "127.0.0.1:1",
		MeterAddr:   "127.0.0.1:1",
		DataDir:     t.TempDir(),
	}
	coord := Qr.NewCoordinator(cfg, nil)
	return Qd.NewView(coord, Qo.NewStatsInternal()), coord
}

func getBody(t testing.TB, ts *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return resp.StatusCode, sb.String()
}

func TestDataAPI(t *testing.T) {
	view, coord := testView(t)
	ts := httptest.NewServer(view.SetupMux())
	defer ts.Close()

	t.Run("Version endpoint reports the build", func(t *testing.T) {
		status, body := getBody(t, ts, "/api/version")
		if status != http.StatusOK {
			t.Errorf("got status %d, want 200", status)
		}
		var got map[string]string
		if err := json.Unmarshal([]byte(body), &got); err != nil {
			t.Fatalf("bad version payload: %v", err)
		}
		if got["version"] != Qd.Version {
			t.Errorf("got version %q, want %q", got["version"], Qd.Version)
		}
	})

	t.Run("Run endpoint reports an idle run", func(t *testing.T) {
		status, body := getBody(t, ts, "/api/run")
		if status != http.StatusOK {
			t.Errorf("got status %d, want 200", status)
		}
		var info Qr.RunInfo
		if err := json.Unmarshal([]byte(body), &info); err != nil {
			t.Fatalf("bad run payload: %v", err)
		}
		if info.State != "idle" {
			t.Errorf("got state %q, want idle", info.State)
		}
		if info.RunID != coord.RunID {
			t.Errorf("got run ID %q, want %q", info.RunID, coord.RunID)
		}
	})

	t.Run("Samples endpoint serves an empty array before a run", func(t *testing.T) {
		status, body := getBody(t, ts, "/api/samples")
		if status != http.StatusOK {
			t.Errorf("got status %d, want 200", status)
		}
		if strings.TrimSpace(body) != "[]" {
			t.Errorf("got samples body %q, want []", body)
		}
	})

	t.Run("Stop endpoint detaches and cannot consume an idle run", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/stop", "application/json", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("got status %d, want 202", resp.StatusCode)
		}

		// nothing is armed yet, so the intent must be refused:
		// the run stays idle and its teardown stays available
		time.Sleep(50 * time.Millisecond)
		if got := coord.Info().State; got != "idle" {
			t.Errorf("got state %q after an idle stop intent, want idle", got)
		}
		select {
		case <-coord.Done():
			t.Error("an idle stop intent consumed the run teardown")
		default:
		}
	})

	t.Run("Samples endpoint rejects POST", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/samples", "application/json", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("got status %d, want 405", resp.StatusCode)
		}
	})

	t.Run("Metrics endpoint exports the request counter", func(t *testing.T) {
		status, body := getBody(t, ts, "/metrics")
		if status != http.StatusOK {
			t.Errorf("got status %d, want 200", status)
		}
		if !strings.Contains(body, "quenchd_http_requests_total") {
			t.Error("request counter missing from the metrics export")
		}
	})
}

func TestWebsocketFeed(t *testing.T) {
	view, coord := testView(t)
	ts := httptest.NewServer(view.SetupMux())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("could not dial feed: %v", err)
	}
	defer conn.Close()

	var frame Qd.FeedFrame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("could not read feed frame: %v", err)
	}

	if frame.RunID != coord.RunID {
		t.Errorf("got run ID %q, want %q", frame.RunID, coord.RunID)
	}
	if frame.State != "idle" {
		t.Errorf("got state %q, want idle", frame.State)
	}
	if frame.Rows != 0 {
		t.Errorf("got %d rows on an idle run, want 0", frame.Rows)
	}
}

// countingFlusher stands in for the journal on refresh ticks
type countingFlusher struct {
	mu    sync.Mutex
	count int
}

func (f *countingFlusher) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *countingFlusher) flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestRefreshSupervisor(t *testing.T) {
	view, _ := testView(t)
	journal := &countingFlusher{}
	view.Journal = journal

	rs := view.NewRefreshSupervisor()
	rs.Start()

	deadline := time.After(5 * time.Second)
	for journal.flushes() == 0 {
		select {
		case <-deadline:
			t.Fatal("supervisor never flushed the journal")
		case <-time.After(10 * time.Millisecond):
		}
	}
	rs.Stop()

	settled := journal.flushes()
	time.Sleep(50 * time.Millisecond)
	if journal.flushes() != settled {
		t.Error("supervisor kept flushing after Stop")
	}
}
