package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/remote"
)

// adminRouter serves /healthz, /metrics, /metrics.json and /status.
// healthy reports readiness; status returns the /status body.
func adminRouter(healthy func() bool, status func() any) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(observability.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.PrometheusHandler())
	r.Handle("/metrics.json", metrics.Global().JSONHandler())
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, status())
	})
	return r
}

type dispatcherStatus struct {
	Uptime     string            `json:"uptime"`
	Dispatcher dispatcher.Stats  `json:"dispatcher"`
	Nodes      []remote.NodeInfo `json:"nodes"`
	Counters   map[string]any    `json:"counters"`
}

// dispatcherAdmin is the admin router of the dispatcher daemon. srv may
// be nil when remote nodes are not accepted.
func dispatcherAdmin(d *dispatcher.Dispatcher, srv *remote.Server) http.Handler {
	return adminRouter(
		func() bool { return !d.Stats().Closed },
		func() any {
			st := dispatcherStatus{
				Uptime:     uptime(),
				Dispatcher: d.Stats(),
				Nodes:      []remote.NodeInfo{},
				Counters:   metrics.Global().Snapshot(),
			}
			if srv != nil {
				st.Nodes = srv.Nodes()
			}
			return st
		})
}

type nodeStatus struct {
	Uptime       string   `json:"uptime"`
	InvokerID    string   `json:"invoker_id"`
	Nodes        int      `json:"nodes"`
	Idle         int      `json:"idle"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// nodeAdmin is the admin router of a remote node process.
func nodeAdmin(local *executor.LocalInvoker) http.Handler {
	return adminRouter(
		func() bool {
			select {
			case <-local.Done():
				return false
			default:
				return true
			}
		},
		func() any {
			return nodeStatus{
				Uptime:       uptime(),
				InvokerID:    local.ID(),
				Nodes:        local.Size(),
				Idle:         local.Idle(),
				Capabilities: local.Capabilities().Tags(),
			}
		})
}

func uptime() string {
	return time.Since(metrics.StartTime()).Round(time.Second).String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
