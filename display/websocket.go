package quenchd

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	Qt "github.com/magnetlab/quenchd/types"
)

const feedPeriod = 100 * time.Millisecond

// FeedFrame is one live-plot update pushed over the websocket
type FeedFrame struct {
	RunID   string      `json:"runID"`
	State   string      `json:"state"`
	Quench  bool        `json:"quench"`
	Rows    int         `json:"rows"`
	Samples []Qt.Sample `json:"samples"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebsocketHandler streams the decimated sample buffer and run state
// to the plot client at a fixed cadence until the peer goes away
func (v *View) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(feedPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(v.GetFeedFrame()); err != nil {
			return // Connection closed
		}
	}
}

// GetFeedFrame snapshots the run for one push
func (v *View) GetFeedFrame() FeedFrame {
	info := v.Coord.Info()
	return FeedFrame{
		RunID:   info.RunID,
		State:   info.State,
		Quench:  info.Quench,
		Rows:    info.Rows,
		Samples: v.Coord.Samples(),
	}
}
