// Package api serves the worker's small observability surface: health,
// current-job status, and Prometheus metrics. It binds to an internal address
// only; job submission happens in the separate API service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vodarchive/worker/config"
	"github.com/vodarchive/worker/log"
)

// StatusSource reports what the worker is doing right now.
type StatusSource interface {
	CurrentJob() string
}

func ListenAndServe(ctx context.Context, addr string, source StatusSource) error {
	router := NewStatusRouter(source)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting status server",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewStatusRouter(source StatusSource) *httprouter.Router {
	router := httprouter.New()

	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	router.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		current := source.CurrentJob()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version":     config.Version,
			"busy":        current != "",
			"current_job": current,
		})
	})

	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return router
}
