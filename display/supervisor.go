package quenchd

import (
	"log/slog"
	"sync"
	"time"
)

type RefreshSupervisor struct {
	View     *View
	Ticker   *time.Ticker
	StopChan chan struct{}
	WG       sync.WaitGroup
}

// NewRefreshSupervisor is a wrapper around the View that manages the
// periodic refresh goroutine. They are strongly coupled, one knows
// about the other.
func (v *View) NewRefreshSupervisor() *RefreshSupervisor {
	rs := &RefreshSupervisor{
		View: v,
	}
	v.Supervisor = rs
	return rs
}

// Refresh pushes buffered journal events out on the tick so the
// replay surface stays close to live
func (v *View) Refresh() {
	if v.Journal == nil {
		return
	}
	if err := v.Journal.Flush(); err != nil {
		slog.Error("Journal flush on refresh tick", slog.Any("Error", err))
	}
}

// Start the RefreshSupervisor
func (rs *RefreshSupervisor) Start() {
	rs.StopChan = make(chan struct{})
	rs.Ticker = time.NewTicker(1 * time.Second)

	rs.WG.Add(1)
	go func() {
		defer rs.WG.Done()
		defer rs.Ticker.Stop()

		for {
			select {
			case <-rs.Ticker.C:
				rs.View.Refresh()
			case <-rs.StopChan:
				return
			}
		}
	}()
}

// Stop the RefreshSupervisor
func (rs *RefreshSupervisor) Stop() {
	if rs.StopChan != nil {
		close(rs.StopChan)
		rs.WG.Wait()
	}
}

// Restart the RefreshSupervisor
func (rs *RefreshSupervisor) Restart() {
	rs.Stop()
	rs.Start()
}
