package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/events"
)

type stubService struct {
	submitFn func(ctx context.Context, req data.DownloadRequest) (*data.Download, error)
	getFn    func(ctx context.Context, id string) (*data.Download, error)
	listFn   func(ctx context.Context) (data.Downloads, error)

	paused   bool
	resumed  bool
	canceled bool
	pauseErr error
}

func (s *stubService) Submit(ctx context.Context, req data.DownloadRequest) (*data.Download, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, req)
	}
	return &data.Download{ID: "id-1", URL: req.URL, TargetPath: req.TargetPath, Status: data.StatusQueued}, nil
}

func (s *stubService) List(ctx context.Context) (data.Downloads, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return data.Downloads{}, nil
}

func (s *stubService) Get(ctx context.Context, id string) (*data.Download, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return &data.Download{ID: id, Status: data.StatusQueued}, nil
}

func (s *stubService) Pause(ctx context.Context, id string) error {
	s.paused = true
	return s.pauseErr
}

func (s *stubService) Resume(ctx context.Context, id string) error {
	s.resumed = true
	return nil
}

func (s *stubService) Cancel(ctx context.Context, id string) error {
	s.canceled = true
	return nil
}

func (s *stubService) Subscribe(ctx context.Context, id string) (<-chan events.Event, func(), error) {
	ch := make(chan events.Event)
	close(ch)
	return ch, func() {}, nil
}

func (s *stubService) Verification(id string) (data.VerificationResult, bool) {
	if id == "verified" {
		return data.VerificationResult{DownloadID: id, Status: data.VerifyVerified, FileExists: true, SizeMatch: true}, true
	}
	return data.VerificationResult{}, false
}

func newTestHandler(svc *stubService) (*DownloadHandler, *engine.Registry) {
	reg := engine.NewRegistry()
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDownloadHandler(l, svc, reg), reg
}

func newTestRouter(svc *stubService) (*mux.Router, *engine.Registry) {
	h, reg := newTestHandler(svc)
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()

	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/downloads", h.GetDownloads)
	get.HandleFunc("/downloads/{id}", h.GetDownload)
	get.HandleFunc("/downloads/{id}/verification", h.GetVerification)
	get.HandleFunc("/engines", h.GetEngines)

	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/downloads", h.AddDownload)
	post.Use(MiddlewareRequestValidation)

	patchEngines := api.Methods("PATCH").Subrouter()
	patchEngines.HandleFunc("/engines/{id}", h.UpdateEngineHealth)

	patch := api.PathPrefix("/downloads").Methods("PATCH").Subrouter()
	patch.HandleFunc("/{id}", h.UpdateDownload)
	patch.Use(MiddlewarePatchDesired)

	return r, reg
}

func TestAddDownload(t *testing.T) {
	t.Run("creates and returns 201", func(t *testing.T) {
		r, _ := newTestRouter(&stubService{})
		body := `{"url":"https://example.com/f","targetPath":"/tmp/f"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var got data.Download
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.ID != "id-1" || got.Status != data.StatusQueued {
			t.Fatalf("unexpected download: %+v", got)
		}
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		r, _ := newTestRouter(&stubService{})
		body := `{"url":"https://example.com/f","targetPath":"/tmp/f","bogus":1}`
		req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("rejects missing url", func(t *testing.T) {
		r, _ := newTestRouter(&stubService{})
		req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(`{"targetPath":"/tmp/f"}`))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("rejects wrong content type", func(t *testing.T) {
		r, _ := newTestRouter(&stubService{})
		req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(`{"url":"u","targetPath":"t"}`))
		req.Header.Set("Content-Type", "text/plain")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("maps no capable engine to 422", func(t *testing.T) {
		svc := &stubService{submitFn: func(ctx context.Context, req data.DownloadRequest) (*data.Download, error) {
			return nil, data.ErrNoCapableEngine
		}}
		r, _ := newTestRouter(svc)
		body := `{"url":"ftp://example.com/f","targetPath":"/tmp/f"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("maps duplicate to 409 with existing body", func(t *testing.T) {
		existing := &data.Download{ID: "existing", Status: data.StatusDownloading}
		svc := &stubService{submitFn: func(ctx context.Context, req data.DownloadRequest) (*data.Download, error) {
			return existing, data.ErrConflict
		}}
		r, _ := newTestRouter(svc)
		body := `{"url":"https://example.com/f","targetPath":"/tmp/f"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d", rr.Code)
		}
		var got data.Download
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != "existing" {
			t.Fatalf("body = %+v", got)
		}
	})
}

func TestGetDownloads(t *testing.T) {
	svc := &stubService{listFn: func(ctx context.Context) (data.Downloads, error) {
		return data.Downloads{{ID: "a"}, {ID: "b"}}, nil
	}}
	r, _ := newTestRouter(svc)
	req := httptest.NewRequest(http.MethodGet, "/v1/downloads", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got data.Downloads
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
}

func TestGetDownloadNotFound(t *testing.T) {
	svc := &stubService{getFn: func(ctx context.Context, id string) (*data.Download, error) {
		return nil, data.ErrNotFound
	}}
	r, _ := newTestRouter(svc)
	req := httptest.NewRequest(http.MethodGet, "/v1/downloads/nope", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUpdateDownload(t *testing.T) {
	patch := func(t *testing.T, svc *stubService, body string) *httptest.ResponseRecorder {
		t.Helper()
		r, _ := newTestRouter(svc)
		req := httptest.NewRequest(http.MethodPatch, "/v1/downloads/id-1", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	t.Run("paused pauses", func(t *testing.T) {
		svc := &stubService{}
		rr := patch(t, svc, `{"desiredStatus":"Paused"}`)
		if rr.Code != http.StatusOK || !svc.paused {
			t.Fatalf("code=%d paused=%v", rr.Code, svc.paused)
		}
	})
	t.Run("downloading resumes", func(t *testing.T) {
		svc := &stubService{}
		rr := patch(t, svc, `{"desiredStatus":"Downloading"}`)
		if rr.Code != http.StatusOK || !svc.resumed {
			t.Fatalf("code=%d resumed=%v", rr.Code, svc.resumed)
		}
	})
	t.Run("canceled cancels", func(t *testing.T) {
		svc := &stubService{}
		rr := patch(t, svc, `{"desiredStatus":"Canceled"}`)
		if rr.Code != http.StatusOK || !svc.canceled {
			t.Fatalf("code=%d canceled=%v", rr.Code, svc.canceled)
		}
	})
	t.Run("rejects unknown status", func(t *testing.T) {
		rr := patch(t, &stubService{}, `{"desiredStatus":"Sideways"}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("code=%d", rr.Code)
		}
	})
	t.Run("missing desiredStatus", func(t *testing.T) {
		rr := patch(t, &stubService{}, `{}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("code=%d", rr.Code)
		}
	})
	t.Run("bad transition maps to 409", func(t *testing.T) {
		svc := &stubService{pauseErr: data.ErrBadStatus}
		rr := patch(t, svc, `{"desiredStatus":"Paused"}`)
		if rr.Code != http.StatusConflict {
			t.Fatalf("code=%d", rr.Code)
		}
	})
}

func TestGetVerification(t *testing.T) {
	r, _ := newTestRouter(&stubService{})

	t.Run("returns result", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/downloads/verified/verification", nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var got data.VerificationResult
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Status != data.VerifyVerified {
			t.Fatalf("status = %s", got.Status)
		}
	})

	t.Run("404 before verification ran", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/downloads/other/verification", nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rr.Code)
		}
	})
}

func TestEngineEndpoints(t *testing.T) {
	r, reg := newTestRouter(&stubService{})
	reg.Register(&probeOnlyEngine{id: "http"}, engine.Capability{Protocols: []string{"http", "https"}, MaxSegments: 16, PartialResume: true, Health: engine.Healthy})

	t.Run("list capabilities", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/engines", nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var got map[string]capabilityView
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["http"].Health != "Healthy" || got["http"].MaxSegments != 16 {
			t.Fatalf("capability view = %+v", got["http"])
		}
	})

	t.Run("patch health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, "/v1/engines/http", strings.NewReader(`{"health":"Disabled"}`))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		h, _ := reg.Health("http")
		if h != engine.Disabled {
			t.Fatalf("health = %v", h)
		}
	})

	t.Run("patch unknown engine", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, "/v1/engines/nope", strings.NewReader(`{"health":"Disabled"}`))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("patch bogus health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, "/v1/engines/http", strings.NewReader(`{"health":"Sideways"}`))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})
}

type probeOnlyEngine struct{ id string }

func (p *probeOnlyEngine) ID() string                     { return p.id }
func (p *probeOnlyEngine) CanHandle(protocol string) bool { return true }
func (p *probeOnlyEngine) Capability() engine.Capability  { return engine.Capability{} }
func (p *probeOnlyEngine) Probe(ctx context.Context, url string) (engine.ResourceInfo, error) {
	return engine.ResourceInfo{Size: -1}, nil
}
func (p *probeOnlyEngine) Fetch(ctx context.Context, req engine.FetchRequest) error { return nil }
