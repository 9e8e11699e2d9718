// Package service implements the orchestration core behind the exposed
// interface: admission, engine selection, segment planning, scheduling,
// assembly, verification, and the pause/resume/cancel lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tern-dl/tern/internal/assembler"
	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/events"
	"github.com/tern-dl/tern/internal/fp"
	"github.com/tern-dl/tern/internal/metrics"
	"github.com/tern-dl/tern/internal/planner"
	"github.com/tern-dl/tern/internal/queue"
	"github.com/tern-dl/tern/internal/repo"
	"github.com/tern-dl/tern/internal/scheduler"
)

// Download is the interface the rest of the system programs against.
type Download interface {
	Submit(ctx context.Context, req data.DownloadRequest) (*data.Download, error)
	List(ctx context.Context) (data.Downloads, error)
	Get(ctx context.Context, id string) (*data.Download, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string) (<-chan events.Event, func(), error)
	Verification(id string) (data.VerificationResult, bool)
}

// Config carries the orchestration knobs.
type Config struct {
	MaxConcurrent     int
	KeepPartials      bool
	RepairFullRefetch bool
	Planner           planner.Config
}

type download struct {
	log   *slog.Logger
	repo  repo.DownloadRepo
	reg   *engine.Registry
	sel   *engine.Selector
	sched *scheduler.Scheduler
	tp    *engine.Throughput
	rep   events.Reporter
	hub   *events.Hub
	cfg   Config

	mu      sync.Mutex
	queue   *queue.Queue
	running int
	ctrls   map[string]*control

	verifyMu sync.RWMutex
	verified map[string]data.VerificationResult
}

// control tracks one admitted download's in-memory scheduling state.
type control struct {
	req      data.DownloadRequest
	segs     data.Segments
	cancel   context.CancelFunc
	paused   bool
	canceled bool
}

func NewDownload(log *slog.Logger, r repo.DownloadRepo, reg *engine.Registry, sel *engine.Selector, sched *scheduler.Scheduler, tp *engine.Throughput, rep events.Reporter, hub *events.Hub, cfg Config) Download {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	ds := &download{
		log:      log,
		repo:     r,
		reg:      reg,
		sel:      sel,
		sched:    sched,
		tp:       tp,
		rep:      rep,
		hub:      hub,
		cfg:      cfg,
		queue:    queue.New(),
		ctrls:    make(map[string]*control),
		verified: make(map[string]data.VerificationResult),
	}
	ds.recoverInterrupted()
	return ds
}

// recoverInterrupted marks downloads a previous process left mid-transfer
// as Paused so a Resume call can re-admit them. Completed segment temp
// files on disk are reused by the planner.
func (ds *download) recoverInterrupted() {
	ctx := context.Background()
	interrupted, err := ds.repo.ListByStatus(ctx, data.StatusDownloading)
	if err != nil {
		ds.log.Warn("scan interrupted downloads", "err", err)
		return
	}
	for _, dl := range interrupted {
		_, err := ds.repo.Update(ctx, dl.ID, func(d *data.Download) error {
			d.Status = data.StatusPaused
			return nil
		})
		if err != nil {
			ds.log.Warn("pause interrupted download", "id", dl.ID, "err", err)
			continue
		}
		ds.log.Info("recovered interrupted download", "id", dl.ID)
	}
}

// Submit validates the request, rejects it when no registered engine can
// serve it, and enqueues a new Download. No Download is created on
// ErrNoCapableEngine.
func (ds *download) Submit(ctx context.Context, req data.DownloadRequest) (*data.Download, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, data.ErrInvalidSource
	}
	if strings.TrimSpace(req.TargetPath) == "" {
		return nil, data.ErrTargetPath
	}
	if req.Protocol == "" {
		u, err := url.Parse(req.URL)
		if err != nil || u.Scheme == "" {
			return nil, data.ErrInvalidSource
		}
		req.Protocol = u.Scheme
	}

	// Capability pre-check: surfaced immediately at submission, before
	// any Download exists.
	if _, err := ds.sel.Select(req); err != nil {
		return nil, err
	}

	d := &data.Download{
		ID:           uuid.NewString(),
		URL:          req.URL,
		TargetPath:   req.TargetPath,
		TotalSize:    -1,
		Status:       data.StatusQueued,
		Priority:     req.Priority,
		ExpectedHash: strings.ToLower(req.ExpectedHash),
		Fingerprint:  fp.Fingerprint(req.URL, req.TargetPath),
		CreatedAt:    time.Now(),
	}
	saved, created, err := ds.repo.Add(ctx, d)
	if err != nil {
		return nil, err
	}
	if !created {
		return saved, data.ErrConflict
	}

	ds.mu.Lock()
	ds.ctrls[saved.ID] = &control{req: req}
	ds.queue.Enqueue(saved)
	metrics.QueuedDownloads.Set(float64(ds.queue.Len()))
	ds.mu.Unlock()

	ds.rep.Report(events.Event{DownloadID: saved.ID, Type: events.EventQueued})
	ds.pump()
	return saved, nil
}

func (ds *download) List(ctx context.Context) (data.Downloads, error) {
	return ds.repo.List(ctx)
}

func (ds *download) Get(ctx context.Context, id string) (*data.Download, error) {
	return ds.repo.Get(ctx, id)
}

// Subscribe returns a finite event stream for the download, ending at its
// terminal status. Already-terminal downloads yield a closed channel.
func (ds *download) Subscribe(ctx context.Context, id string) (<-chan events.Event, func(), error) {
	d, err := ds.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := ds.hub.Subscribe(id)
	if d.Status.Terminal() {
		cancel()
	}
	return ch, cancel, nil
}

func (ds *download) Verification(id string) (data.VerificationResult, bool) {
	ds.verifyMu.RLock()
	defer ds.verifyMu.RUnlock()
	res, ok := ds.verified[id]
	return res, ok
}

// Pause halts new segment dispatch for the download immediately.
// In-flight fetches are abandoned; completed segment temp files are kept
// so resume only schedules unfinished segments.
func (ds *download) Pause(ctx context.Context, id string) error {
	d, err := ds.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case data.StatusPaused:
		return nil // idempotent
	case data.StatusQueued:
		ds.mu.Lock()
		ds.queue.Remove(id)
		metrics.QueuedDownloads.Set(float64(ds.queue.Len()))
		dispatched := false
		if c := ds.ctrls[id]; c != nil {
			c.paused = true
			if c.cancel != nil {
				// The pump already dequeued this download; abort the
				// run and let the interrupt path persist the pause.
				c.cancel()
				dispatched = true
			}
		}
		ds.mu.Unlock()
		if dispatched {
			return nil
		}
		if _, err := ds.setStatus(ctx, id, data.StatusPaused, ""); err != nil {
			return err
		}
		ds.rep.Report(events.Event{DownloadID: id, Type: events.EventPaused})
		return nil
	case data.StatusDownloading:
		ds.mu.Lock()
		c := ds.ctrls[id]
		if c != nil {
			c.paused = true
			if c.cancel != nil {
				c.cancel()
			}
		}
		ds.mu.Unlock()
		if c == nil {
			return data.ErrBadStatus
		}
		return nil
	default:
		return data.ErrBadStatus
	}
}

// Resume re-admits a paused download. It waits its turn in the admission
// queue like any other download; its status stays Paused until dispatch.
func (ds *download) Resume(ctx context.Context, id string) error {
	d, err := ds.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == data.StatusDownloading || d.Status == data.StatusQueued {
		return nil // idempotent
	}
	if d.Status != data.StatusPaused {
		return data.ErrBadStatus
	}
	ds.mu.Lock()
	c := ds.ctrls[id]
	if c == nil {
		c = &control{req: requestFromDownload(d)}
		ds.ctrls[id] = c
	}
	c.paused = false
	ds.queue.Enqueue(d)
	metrics.QueuedDownloads.Set(float64(ds.queue.Len()))
	ds.mu.Unlock()

	ds.rep.Report(events.Event{DownloadID: id, Type: events.EventResumed})
	ds.pump()
	return nil
}

// Cancel is legal from any state and idempotent. Canceling a queued
// download removes it without ever touching the selector or scheduler.
func (ds *download) Cancel(ctx context.Context, id string) error {
	d, err := ds.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case data.StatusCanceled:
		return nil // idempotent
	case data.StatusCompleted, data.StatusFailed:
		return data.ErrBadStatus
	case data.StatusDownloading:
		ds.mu.Lock()
		c := ds.ctrls[id]
		if c != nil {
			c.canceled = true
			if c.cancel != nil {
				c.cancel()
			}
		}
		ds.mu.Unlock()
		if c == nil {
			return data.ErrBadStatus
		}
		return nil
	default: // Queued, Paused
		ds.mu.Lock()
		ds.queue.Remove(id)
		metrics.QueuedDownloads.Set(float64(ds.queue.Len()))
		c := ds.ctrls[id]
		if c != nil && c.cancel != nil {
			// The pump already dequeued this download; abort the run
			// and let the interrupt path clean up and persist.
			c.canceled = true
			c.cancel()
			ds.mu.Unlock()
			return nil
		}
		delete(ds.ctrls, id)
		ds.mu.Unlock()
		if c != nil && !ds.cfg.KeepPartials {
			assembler.Cleanup(c.segs)
		}
		if _, err := ds.setStatus(ctx, id, data.StatusCanceled, ""); err != nil {
			return err
		}
		ds.rep.Report(events.Event{DownloadID: id, Type: events.EventCanceled})
		return nil
	}
}

// pump admits queued downloads while the global concurrency cap allows.
func (ds *download) pump() {
	for {
		ds.mu.Lock()
		if ds.running >= ds.cfg.MaxConcurrent {
			ds.mu.Unlock()
			return
		}
		d := ds.queue.DequeueNext()
		if d == nil {
			ds.mu.Unlock()
			return
		}
		ds.running++
		metrics.QueuedDownloads.Set(float64(ds.queue.Len()))
		metrics.ActiveDownloads.Set(float64(ds.running))
		ds.mu.Unlock()
		go ds.runDownload(d.ID)
	}
}

func (ds *download) finishRun(id string, dropCtrl bool) {
	ds.mu.Lock()
	var late *control
	if dropCtrl {
		delete(ds.ctrls, id)
	} else if c := ds.ctrls[id]; c != nil {
		c.cancel = nil
		if c.canceled {
			// A cancel arrived while the run was shutting down, after
			// the interrupt path had already persisted the pause.
			late = c
			delete(ds.ctrls, id)
		}
	}
	ds.running--
	metrics.ActiveDownloads.Set(float64(ds.running))
	ds.mu.Unlock()
	if late != nil {
		if !ds.cfg.KeepPartials {
			assembler.Cleanup(late.segs)
		}
		if _, err := ds.setStatus(context.Background(), id, data.StatusCanceled, ""); err != nil {
			ds.log.Error("set canceled", "id", id, "err", err)
		}
		ds.rep.Report(events.Event{DownloadID: id, Type: events.EventCanceled})
	}
	ds.pump()
}

// runDownload drives one admitted download through selection, planning,
// scheduling, assembly, and verification. All failures resolve into a
// status transition; nothing escapes to the exposed interface.
func (ds *download) runDownload(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ds.mu.Lock()
	c := ds.ctrls[id]
	if c == nil {
		ds.mu.Unlock()
		ds.finishRun(id, false)
		return
	}
	if c.canceled || c.paused {
		// State changed between dequeue and dispatch.
		ds.mu.Unlock()
		ds.finishRun(id, false)
		return
	}
	c.cancel = cancel
	req := c.req
	ds.mu.Unlock()

	// Selection is re-evaluated at admission; the submit-time pre-check
	// only guaranteed that some engine existed.
	engineID, err := ds.sel.Select(req)
	if err != nil {
		ds.fail(id, err)
		ds.finishRun(id, false)
		return
	}
	eng, cap, err := ds.reg.Get(engineID)
	if err != nil {
		ds.fail(id, err)
		ds.finishRun(id, false)
		return
	}

	info, err := eng.Probe(ctx, req.URL)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Paused or canceled while probing; not a failure.
			ds.handleInterrupt(id, c, nil)
		} else {
			ds.fail(id, fmt.Errorf("probe: %w", err))
		}
		ds.finishRun(id, false)
		return
	}
	if !info.Resumable {
		cap.PartialResume = false
	}

	d, err := ds.repo.Update(context.Background(), id, func(dl *data.Download) error {
		dl.Status = data.StatusDownloading
		dl.EngineID = engineID
		dl.TotalSize = info.Size
		if dl.StartedAt.IsZero() {
			dl.StartedAt = time.Now()
		}
		return nil
	})
	if err != nil {
		ds.log.Error("update on dispatch", "id", id, "err", err)
		ds.finishRun(id, false)
		return
	}

	segs := ds.planSegments(d, eng, cap, c)
	if segs == nil {
		ds.finishRun(id, false)
		return
	}

	ds.rep.Report(events.Event{DownloadID: id, Type: events.EventStarted})
	runErr := ds.sched.Run(ctx, d, req, segs)
	ds.syncSplit(id, segs)

	if runErr == nil {
		runErr = ds.finalize(ctx, d, req, segs)
	}

	switch {
	case runErr == nil:
		ds.finishRun(id, true)
	case errors.Is(runErr, context.Canceled):
		ds.handleInterrupt(id, c, segs)
		ds.finishRun(id, false)
	default:
		ds.fail(id, runErr)
		ds.finishRun(id, true)
	}
}

// planSegments plans the split, validates contiguity, and persists the
// SplitInfo. On a re-admission after pause the previous plan is reused.
func (ds *download) planSegments(d *data.Download, eng engine.Engine, cap engine.Capability, c *control) data.Segments {
	ds.mu.Lock()
	existing := c.segs
	ds.mu.Unlock()
	if len(existing) > 0 {
		return existing
	}

	if err := os.MkdirAll(ds.cfg.Planner.TempDir, 0755); err != nil {
		ds.fail(d.ID, fmt.Errorf("create temp directory: %w", err))
		return nil
	}

	var hint []int64
	if ep, ok := eng.(engine.Planner); ok && d.TotalSize > 0 {
		hint = ep.PlanHint(d.TotalSize)
	}
	var candidates []planner.Candidate
	for _, cid := range ds.reg.ListHealthy(c.req.Protocol, c.req.ContentType) {
		candidates = append(candidates, planner.Candidate{ID: cid, Rate: ds.tp.Rate(cid)})
	}

	segs, strategy := planner.Plan(d, cap, candidates, hint, ds.cfg.Planner)
	if err := planner.Validate(segs, d.TotalSize); err != nil {
		ds.fail(d.ID, fmt.Errorf("%w: %v", data.ErrAssemblyGap, err))
		return nil
	}

	ids := make([]string, 0, len(segs))
	for _, seg := range segs {
		ids = append(ids, seg.ID)
	}
	_, err := ds.repo.Update(context.Background(), d.ID, func(dl *data.Download) error {
		dl.Split = &data.SplitInfo{Strategy: strategy, TotalSegments: len(segs), SegmentIDs: ids}
		return nil
	})
	if err != nil {
		ds.log.Error("persist split", "id", d.ID, "err", err)
	}

	ds.mu.Lock()
	c.segs = segs
	ds.mu.Unlock()
	return segs
}

// finalize assembles and verifies, running one repair pass on a hash or
// size mismatch. A second consecutive verification failure is terminal.
func (ds *download) finalize(ctx context.Context, d *data.Download, req data.DownloadRequest, segs data.Segments) error {
	// An open-ended final segment was truncated by the scheduler; adopt
	// the observed size before assembly.
	if d.TotalSize < 0 && len(segs) > 0 {
		d.TotalSize = segs[len(segs)-1].End
		if _, err := ds.repo.Update(context.Background(), d.ID, func(dl *data.Download) error {
			dl.TotalSize = d.TotalSize
			return nil
		}); err != nil {
			ds.log.Error("persist size", "id", d.ID, "err", err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := assembler.Assemble(d, segs); err != nil {
			return err
		}
		res := assembler.Verify(ctx, d)
		ds.verifyMu.Lock()
		ds.verified[d.ID] = res
		ds.verifyMu.Unlock()

		if res.OK() {
			assembler.Cleanup(segs)
			ds.complete(d.ID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			return fmt.Errorf("%w: %s after repair", data.ErrVerifyFailed, res.Status)
		}

		ds.log.Warn("verification mismatch, repairing", "id", d.ID, "status", res.Status)
		ds.rep.Report(events.Event{DownloadID: d.ID, Type: events.EventRepairing})
		assembler.RepairPlan(segs, ds.cfg.RepairFullRefetch)
		if err := ds.sched.Run(ctx, d, req, segs); err != nil {
			return err
		}
		ds.syncSplit(d.ID, segs)
	}
}

func (ds *download) handleInterrupt(id string, c *control, segs data.Segments) {
	ds.mu.Lock()
	canceled := c.canceled
	ds.mu.Unlock()
	if canceled {
		if !ds.cfg.KeepPartials {
			assembler.Cleanup(segs)
		}
		ds.mu.Lock()
		delete(ds.ctrls, id)
		ds.mu.Unlock()
		if _, err := ds.setStatus(context.Background(), id, data.StatusCanceled, ""); err != nil {
			ds.log.Error("set canceled", "id", id, "err", err)
		}
		ds.rep.Report(events.Event{DownloadID: id, Type: events.EventCanceled})
		return
	}
	// Paused: keep control state and partials for resume.
	if _, err := ds.setStatus(context.Background(), id, data.StatusPaused, ""); err != nil {
		ds.log.Error("set paused", "id", id, "err", err)
	}
	ds.rep.Report(events.Event{DownloadID: id, Type: events.EventPaused})
}

func (ds *download) complete(id string) {
	if _, err := ds.repo.Update(context.Background(), id, func(dl *data.Download) error {
		dl.Status = data.StatusCompleted
		dl.CompletedAt = time.Now()
		dl.Error = ""
		return nil
	}); err != nil {
		ds.log.Error("set completed", "id", id, "err", err)
	}
	ds.rep.Report(events.Event{DownloadID: id, Type: events.EventCompleted})
}

// fail records a terminal failure with its human-readable cause. Segment
// temp data is retained on disk for a future repair attempt.
func (ds *download) fail(id string, cause error) {
	ds.log.Error("download failed", "id", id, "err", cause)
	if _, err := ds.setStatus(context.Background(), id, data.StatusFailed, cause.Error()); err != nil {
		ds.log.Error("set failed", "id", id, "err", err)
	}
	ds.rep.Report(events.Event{DownloadID: id, Type: events.EventFailed, Err: cause.Error()})
}

func (ds *download) setStatus(ctx context.Context, id string, status data.DownloadStatus, errMsg string) (*data.Download, error) {
	return ds.repo.Update(ctx, id, func(dl *data.Download) error {
		dl.Status = status
		if errMsg != "" {
			dl.Error = errMsg
		}
		if status.Terminal() {
			dl.CompletedAt = time.Now()
		}
		return nil
	})
}

// syncSplit persists the completed-segment count after a scheduler run.
func (ds *download) syncSplit(id string, segs data.Segments) {
	completed := 0
	for _, seg := range segs {
		if seg.Status == data.SegmentCompleted {
			completed++
		}
	}
	if _, err := ds.repo.Update(context.Background(), id, func(dl *data.Download) error {
		if dl.Split != nil {
			dl.Split.CompletedSegments = completed
		}
		return nil
	}); err != nil {
		ds.log.Error("persist split progress", "id", id, "err", err)
	}
}

// requestFromDownload rebuilds a minimal request for a download whose
// in-memory control was lost, e.g. resuming after a restart.
func requestFromDownload(d *data.Download) data.DownloadRequest {
	req := data.DownloadRequest{
		URL:          d.URL,
		TargetPath:   d.TargetPath,
		Priority:     d.Priority,
		ExpectedHash: d.ExpectedHash,
	}
	if u, err := url.Parse(d.URL); err == nil {
		req.Protocol = u.Scheme
	}
	return req
}
