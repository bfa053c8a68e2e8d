// Package health serves the liveness endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const shutdownTimeout = 5 * time.Second

// StatsFunc reports engine counters.
type StatsFunc func() bridge.Stats

type response struct {
	Status           string `json:"status"`
	SourcesMonitored int    `json:"sources_monitored"`
	ProcessedCount   int64  `json:"processed_count"`
	LastCycle        string `json:"last_cycle,omitempty"`
	Cycles           int64  `json:"cycles"`
	Dispatched       int64  `json:"dispatched"`
	Failures         int64  `json:"failures"`
}

// Handler serves GET /healthz. Status is "starting" before the first cycle,
// "stale" with 503 when the last cycle is older than staleAfter, and "ok"
// otherwise. staleAfter <= 0 disables the staleness check.
func Handler(stats StatsFunc, staleAfter time.Duration) http.Handler {
	return handler(stats, staleAfter, time.Now)
}

func handler(stats StatsFunc, staleAfter time.Duration, now func() time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		st := stats()
		resp := response{
			Status:           "ok",
			SourcesMonitored: st.SourcesMonitored,
			ProcessedCount:   st.ProcessedCount,
			Cycles:           st.Cycles,
			Dispatched:       st.Dispatched,
			Failures:         st.Failures,
		}
		code := http.StatusOK
		switch {
		case st.LastCycle.IsZero():
			resp.Status = "starting"
		case staleAfter > 0 && now().Sub(st.LastCycle) > staleAfter:
			resp.Status = "stale"
			code = http.StatusServiceUnavailable
		}
		if !st.LastCycle.IsZero() {
			resp.LastCycle = st.LastCycle.UTC().Format(time.RFC3339)
		}
		writeJSON(w, code, resp)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Serve listens on addr until ctx is done, then shuts the server down.
func Serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, h, log)
}

func serve(ctx context.Context, ln net.Listener, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("Health endpoint listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
