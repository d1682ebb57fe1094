package quenchd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	Qo "github.com/magnetlab/quenchd/obvy"
	Qr "github.com/magnetlab/quenchd/run"
)

var Version = "dev"

// Flusher is what the View needs from the journal on a refresh tick
type Flusher interface {
	Flush() error
}

// View is the front-end-facing surface of a run. The graphical
// client is an external collaborator: it consumes the processed
// sample arrays served here and posts its stop intent back.
type View struct {
	MU         sync.Mutex
	Coord      *Qr.Coordinator
	Stats      *Qo.StatsInternal
	Journal    Flusher
	Supervisor *RefreshSupervisor
	server     *http.Server
}

// NewView wires the data server around a coordinator
func NewView(c *Qr.Coordinator, stats *Qo.StatsInternal) *View {
	return &View{
		Coord: c,
		Stats: stats,
	}
}

// SetupMux handles all data serving:
// - Prometheus metric endpoint
// - Websocket feed for the live plot
// - Version for programmatic use
// - Run state and sample data for UI feedback
// - Stop intent from the operator
func (v *View) SetupMux() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", v.Stats.Handler())
	r.HandleFunc("/ws", v.WebsocketHandler)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(v.StatsMiddleware)
	api.HandleFunc("/version", v.VersionHandler).Methods(http.MethodGet)
	api.HandleFunc("/run", v.RunHandler).Methods(http.MethodGet)
	api.HandleFunc("/samples", v.SamplesHandler).Methods(http.MethodGet)
	api.HandleFunc("/stop", v.StopHandler).Methods(http.MethodPost)

	return r
}

// Serve starts the data server until Shutdown
func (v *View) Serve(addr string) error {
	handler := otelhttp.NewHandler(v.SetupMux(), "quenchd-api")
	v.server = &http.Server{Addr: addr, Handler: handler}
	slog.Info("Data server listening", slog.String("addr", addr))
	return v.server.ListenAndServe()
}

// Shutdown stops the data server
func (v *View) Shutdown(ctx context.Context) error {
	if v.server == nil {
		return nil
	}
	return v.server.Shutdown(ctx)
}

func (v *View) VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": Version})
}

func (v *View) RunHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v.Coord.Info())
}

func (v *View) SamplesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v.Coord.Samples())
}

// StopHandler accepts the operator's stop intent. Teardown blocks
// through abort and join, so it runs off the request path.
func (v *View) StopHandler(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := v.Coord.Stop(); err != nil {
			slog.Error("Stop intent teardown", slog.Any("Error", err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"state": "stopping"})
}

// RespWriter is a wrapper with StatsMiddleware, used for Prometheus
type RespWriter struct {
	http.ResponseWriter
	Status int
}

// WriteHeader is a helper for StatsMiddleware, used for Prometheus
func (w *RespWriter) WriteHeader(status int) {
	w.Status = status
	w.ResponseWriter.WriteHeader(status)
}

// Write is a helper for StatsMiddleware, used for Prometheus
func (w *RespWriter) Write(b []byte) (int, error) {
	return w.ResponseWriter.Write(b)
}

func (v *View) StatsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &RespWriter{
			ResponseWriter: w,
			Status:         200,
		}
		next.ServeHTTP(wrapped, r)

		v.Stats.RecWWW(strconv.Itoa(wrapped.Status), r.Method)
	})
}
