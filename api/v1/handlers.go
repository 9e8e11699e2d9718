// Package v1 exposes the orchestration core over HTTP.
package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/service"
)

// DownloadHandler serves the /v1/downloads surface.
type DownloadHandler struct {
	l   *slog.Logger
	svc service.Download
	reg *engine.Registry
}

type patchBody struct {
	DesiredStatus string `json:"desiredStatus"`
}

type healthBody struct {
	Health string `json:"health"`
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

// context keys
type ctxKeyRequest struct{}
type ctxKeyPatch struct{}

func NewDownloadHandler(l *slog.Logger, svc service.Download, reg *engine.Registry) *DownloadHandler {
	return &DownloadHandler{l: l, svc: svc, reg: reg}
}

func (dh *DownloadHandler) GetDownloads(w http.ResponseWriter, r *http.Request) {
	dls, err := dh.svc.List(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := dls.ToJSON(w); err != nil {
		markErr(w, err)
	}
}

func (dh *DownloadHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dl, err := dh.svc.Get(r.Context(), id)
	if err != nil {
		markErr(w, err)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = dl.ToJSON(w)
}

// AddDownload admits a new download. A request no registered engine can
// serve is rejected outright; a duplicate of a live download returns the
// existing aggregate with 409.
func (dh *DownloadHandler) AddDownload(w http.ResponseWriter, r *http.Request) {
	v := r.Context().Value(ctxKeyRequest{})
	req, ok := v.(data.DownloadRequest)
	if !ok {
		markErr(w, ErrRequestCtx)
		http.Error(w, ErrRequestCtx.Error(), http.StatusInternalServerError)
		return
	}

	dl, err := dh.svc.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrInvalidSource), errors.Is(err, data.ErrTargetPath):
			markErr(w, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, data.ErrNoCapableEngine):
			markErr(w, err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, data.ErrConflict):
			markErr(w, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = dl.ToJSON(w)
		default:
			markErr(w, err)
			http.Error(w, "failed to submit", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = dl.ToJSON(w)
}

// UpdateDownload applies a desired status: Downloading resumes, Paused
// pauses, Canceled cancels. Transitions out of terminal states map to 409.
func (dh *DownloadHandler) UpdateDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	v := r.Context().Value(ctxKeyPatch{})
	body, ok := v.(patchBody)
	if !ok || body.DesiredStatus == "" {
		markErr(w, ErrDesiredStatus)
		http.Error(w, ErrDesiredStatus.Error(), http.StatusInternalServerError)
		return
	}

	var err error
	switch data.DownloadStatus(body.DesiredStatus) {
	case data.StatusDownloading:
		err = dh.svc.Resume(r.Context(), id)
	case data.StatusPaused:
		err = dh.svc.Pause(r.Context(), id)
	case data.StatusCanceled:
		err = dh.svc.Cancel(r.Context(), id)
	default:
		markErr(w, data.ErrBadStatus)
		http.Error(w, "Invalid desiredStatus (allowed: Downloading|Paused|Canceled)", http.StatusBadRequest)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, data.ErrNotFound):
			markErr(w, err)
			http.Error(w, "Not found", http.StatusNotFound)
		case errors.Is(err, data.ErrBadStatus):
			markErr(w, err)
			http.Error(w, "status transition not allowed", http.StatusConflict)
		default:
			markErr(w, err)
			http.Error(w, "failed to update", http.StatusInternalServerError)
		}
		return
	}

	dl, err := dh.svc.Get(r.Context(), id)
	if err != nil {
		markErr(w, err)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = dl.ToJSON(w)
}

// GetVerification returns the outcome of the last verification pass for a
// download, 404 until one has run.
func (dh *DownloadHandler) GetVerification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := dh.svc.Get(r.Context(), id); err != nil {
		markErr(w, err)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	res, ok := dh.svc.Verification(id)
	if !ok {
		http.Error(w, "not verified yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

type capabilityView struct {
	Protocols     []string `json:"protocols"`
	ContentTypes  []string `json:"contentTypes,omitempty"`
	MaxSegments   int      `json:"maxSegments"`
	PartialResume bool     `json:"partialResume"`
	Health        string   `json:"health"`
}

// GetEngines renders the registry's capability snapshot.
func (dh *DownloadHandler) GetEngines(w http.ResponseWriter, r *http.Request) {
	caps := dh.reg.Capabilities()
	out := make(map[string]capabilityView, len(caps))
	for id, c := range caps {
		out[id] = capabilityView{
			Protocols:     c.Protocols,
			ContentTypes:  c.ContentTypes,
			MaxSegments:   c.MaxSegments,
			PartialResume: c.PartialResume,
			Health:        c.Health.String(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// UpdateEngineHealth lets operators mark an engine Degraded or Disabled
// without a restart. Selection picks the change up on the next call.
func (dh *DownloadHandler) UpdateEngineHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body healthBody
	if err := decodeJSONStrict(w, r, &body, 1<<20, "application/json"); err != nil {
		markErr(w, err)
		code := http.StatusBadRequest
		if errors.Is(err, ErrContentType) {
			code = http.StatusUnsupportedMediaType
		}
		http.Error(w, err.Error(), code)
		return
	}
	if body.Health == "" {
		markErr(w, ErrHealthJSON)
		http.Error(w, ErrHealthJSON.Error(), http.StatusBadRequest)
		return
	}
	h, ok := engine.ParseHealth(body.Health)
	if !ok {
		http.Error(w, "unknown health state", http.StatusBadRequest)
		return
	}
	if err := dh.reg.UpdateHealth(id, h); err != nil {
		markErr(w, err)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
