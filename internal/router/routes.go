// Package router wires the HTTP surface: versioned API routes, health,
// and Prometheus metrics.
package router

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tern-dl/tern/api/v1"
	"github.com/tern-dl/tern/internal/auth"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/service"
)

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, downloadSvc service.Download, reg *engine.Registry) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	downloadHandler := v1.NewDownloadHandler(logger, downloadSvc, reg)

	r.Use(v1.RequestID)
	r.Use(downloadHandler.Log)
	r.Use(auth.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/downloads", downloadHandler.GetDownloads)
	get.HandleFunc("/downloads/{id}", downloadHandler.GetDownload)
	get.HandleFunc("/downloads/{id}/verification", downloadHandler.GetVerification)
	get.HandleFunc("/downloads/{id}/events", downloadHandler.StreamEvents)
	get.HandleFunc("/engines", downloadHandler.GetEngines)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/downloads", downloadHandler.AddDownload)
	post.Use(v1.MiddlewareRequestValidation)

	// PATCHes
	patchEngines := api.Methods("PATCH").Subrouter()
	patchEngines.HandleFunc("/engines/{id}", downloadHandler.UpdateEngineHealth)

	patch := api.PathPrefix("/downloads").Methods("PATCH").Subrouter()
	patch.HandleFunc("/{id}", downloadHandler.UpdateDownload)
	patch.Use(v1.MiddlewarePatchDesired)

	return r
}
