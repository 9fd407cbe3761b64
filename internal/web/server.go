// Package web serves the read-only HTTP status surface.
package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"postureguard/internal/alert"
	"postureguard/internal/posture"
	"postureguard/internal/sensorarray"
	"postureguard/internal/sensors"
)

// MonitorView is the read side of *posture.Monitor.
type MonitorView interface {
	Status() posture.Status
	Config() posture.Config
}

// SlotView is the read side of *sensorarray.Array.
type SlotView interface {
	Snapshot() []sensorarray.Slot
}

// DeviceView is the read side of *sensors.Bank.
type DeviceView interface {
	Status() []sensors.DeviceStatus
}

// AlertLister is the read side of *sqlstore.Store.
type AlertLister interface {
	Recent(ctx context.Context, n int) ([]alert.Payload, error)
}

// Deps wires the handler. Status and Monitor are required; everything else
// is optional and its routes answer 404 when absent.
type Deps struct {
	Status  *Status
	Monitor MonitorView
	Slots   SlotView
	Devices DeviceView
	Alerts  AlertLister
	Logs    *LogBuffer
	Stream  *FrameBroadcaster
	Metrics http.Handler
	// AccessLog receives combined-format access logs. Nil disables them.
	AccessLog io.Writer
}

type sensorsResponse struct {
	NowUTC  string                 `json:"now_utc"`
	Slots   []sensorarray.Slot     `json:"slots"`
	Devices []sensors.DeviceStatus `json:"devices,omitempty"`
}

type alertsResponse struct {
	NowUTC string          `json:"now_utc"`
	Alerts []alert.Payload `json:"alerts"`
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC(), d.Monitor))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/sensors", func(w http.ResponseWriter, _ *http.Request) {
		if d.Slots == nil {
			http.Error(w, "sensors unavailable", http.StatusNotFound)
			return
		}
		resp := sensorsResponse{
			NowUTC: time.Now().UTC().Format(time.RFC3339Nano),
			Slots:  d.Slots.Snapshot(),
		}
		if d.Devices != nil {
			resp.Devices = d.Devices.Status()
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/sensors/{id:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		if d.Slots == nil {
			http.Error(w, "sensors unavailable", http.StatusNotFound)
			return
		}
		id, _ := strconv.Atoi(mux.Vars(req)["id"])
		slots := d.Slots.Snapshot()
		if id >= len(slots) {
			http.Error(w, "unknown sensor", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, slots[id])
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/alerts", func(w http.ResponseWriter, req *http.Request) {
		if d.Alerts == nil {
			http.Error(w, "alert history unavailable", http.StatusNotFound)
			return
		}
		limit := 50
		if s := req.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 1000 {
				http.Error(w, "limit must be an integer in [1,1000]", http.StatusBadRequest)
				return
			}
			limit = v
		}
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		list, err := d.Alerts.Recent(ctx, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []alert.Payload{}
		}
		writeJSON(w, http.StatusOK, alertsResponse{
			NowUTC: time.Now().UTC().Format(time.RFC3339Nano),
			Alerts: list,
		})
	}).Methods(http.MethodGet)

	if d.Logs != nil {
		r.Handle("/api/logs", d.Logs.Handler()).Methods(http.MethodGet)
	}
	if d.Stream != nil {
		r.Handle("/api/stream", d.Stream.Handler()).Methods(http.MethodGet)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Status.Snapshot(time.Now().UTC(), d.Monitor)
		state := "unknown"
		if snap.Posture != nil {
			state = snap.Posture.State
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>postureguard</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>postureguard</h1>")
		_, _ = fmt.Fprintf(w, "<pre>mode=%s\nstate=%s\ncycles=%d\nlast_cycle_utc=%s</pre>",
			html.EscapeString(snap.Mode), html.EscapeString(state), snap.Cycles, html.EscapeString(snap.LastCycleUTC))
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/sensors\">/api/sensors</a>.</p>")
		_, _ = fmt.Fprintf(w, "</body></html>")
	}).Methods(http.MethodGet)

	var h http.Handler = r
	if d.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(d.AccessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
}

// Serve runs the HTTP server until ctx ends. There is no write timeout:
// /api/stream responses stay open for the life of the client.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
