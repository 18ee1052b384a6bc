// Package api exposes the worker's operational status over HTTP: health,
// active meetings, and pprof.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linguameet/caption-worker/internal/caption"
	"github.com/linguameet/caption-worker/internal/logging"
	"github.com/linguameet/caption-worker/internal/version"
)

// Serve runs the status server until ctx is cancelled.
func Serve(ctx context.Context, addr string, orchestrator *caption.Orchestrator) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	})

	r.Get("/v1/meetings", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, orchestrator.ActiveMeetings())
	})

	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
			pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
		})
	})

	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info(logging.CategoryAPI, "status server listening addr=%s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(logging.CategoryAPI, "status server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
