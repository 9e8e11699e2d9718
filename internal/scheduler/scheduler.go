// Package scheduler dispatches the segments of a download to engines under
// a per-download and a global concurrency bound, retrying failed segments
// with exponential backoff and failing over to another engine when the
// assigned one's health drops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/events"
	"github.com/tern-dl/tern/internal/metrics"
)

const progressInterval = 500 * time.Millisecond

// Config carries the scheduling knobs.
type Config struct {
	MaxPerDownload int
	MaxRetries     int
	BackoffBase    time.Duration
}

// Semaphore bounds segment fetches across all downloads.
type Semaphore chan struct{}

func NewSemaphore(n int) Semaphore {
	if n <= 0 {
		n = 1
	}
	return make(Semaphore, n)
}

func (s Semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Semaphore) release() { <-s }

type Scheduler struct {
	reg    *engine.Registry
	sel    *engine.Selector
	global Semaphore
	tp     *engine.Throughput
	rep    events.Reporter
	log    *slog.Logger
	cfg    Config
}

func New(log *slog.Logger, reg *engine.Registry, sel *engine.Selector, global Semaphore, tp *engine.Throughput, rep events.Reporter, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxPerDownload <= 0 {
		cfg.MaxPerDownload = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Scheduler{reg: reg, sel: sel, global: global, tp: tp, rep: rep, log: log, cfg: cfg}
}

// Run fetches every non-completed segment of the download. It returns nil
// once all segments are Completed, the context error on cancellation, or a
// fatal error when any segment exhausts its retries. Completion order
// across segments is unordered; only assembly orders bytes.
func (s *Scheduler) Run(ctx context.Context, dl *data.Download, req data.DownloadRequest, segs data.Segments) error {
	pending := make(data.Segments, 0, len(segs))
	var alreadyDone int64
	for _, seg := range segs {
		if seg.Status == data.SegmentCompleted {
			alreadyDone += seg.Downloaded
			continue
		}
		pending = append(pending, seg)
	}
	if len(pending) == 0 {
		return nil
	}

	// Verification/metadata/initial segments first: later stages depend
	// on them when concurrency is constrained.
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := pending[i].Class.DispatchRank(), pending[j].Class.DispatchRank()
		if ri != rj {
			return ri < rj
		}
		return pending[i].Index < pending[j].Index
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := &progressTracker{
		dl:    dl,
		done:  alreadyDone,
		rep:   s.rep,
		start: time.Now(),
	}

	jobs := make(chan *data.Segment, len(pending))
	for _, seg := range pending {
		jobs <- seg
	}
	close(jobs)

	workers := s.cfg.MaxPerDownload
	if workers > len(pending) {
		workers = len(pending)
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		fatalErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range jobs {
				if runCtx.Err() != nil {
					return
				}
				if err := s.fetchSegment(runCtx, dl, req, seg, prog); err != nil {
					errMu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					errMu.Unlock()
					if !errors.Is(err, context.Canceled) {
						cancel() // abandon remaining segments promptly
					}
					return
				}
			}
		}()
	}
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	return ctx.Err()
}

// fetchSegment drives one segment to a terminal state: Completed, or
// Failed after exhausting retries and failover.
func (s *Scheduler) fetchSegment(ctx context.Context, dl *data.Download, req data.DownloadRequest, seg *data.Segment, prog *progressTracker) error {
	engineID := seg.EngineID
	if engineID == "" {
		engineID = dl.EngineID
	}

	for {
		if err := s.global.acquire(ctx); err != nil {
			return err
		}
		seg.Status = data.SegmentDownloading
		seg.EngineID = engineID

		err := s.attempt(ctx, dl, seg, engineID, prog)
		s.global.release()

		if err == nil {
			seg.Status = data.SegmentCompleted
			s.rep.Report(events.Event{DownloadID: dl.ID, SegmentID: seg.ID, Type: events.EventSegmentCompleted})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !seg.RetryAllowed || seg.RetryCount >= s.cfg.MaxRetries {
			seg.Status = data.SegmentFailed
			s.rep.Report(events.Event{DownloadID: dl.ID, SegmentID: seg.ID, Type: events.EventSegmentFailed, Err: err.Error()})
			return fmt.Errorf("segment %d: %w: %v", seg.Index, data.ErrRetriesExhausted, err)
		}
		seg.RetryCount++
		metrics.SegmentRetries.Inc()
		s.log.Warn("segment retry", "download", dl.ID, "segment", seg.Index, "attempt", seg.RetryCount, "engine", engineID, "err", err)
		s.rep.Report(events.Event{DownloadID: dl.ID, SegmentID: seg.ID, Type: events.EventSegmentFailed, Err: err.Error()})

		// Failover only when the assigned engine's health has dropped
		// below Healthy since assignment; the retry count carries over.
		if h, herr := s.reg.Health(engineID); herr == nil && h != engine.Healthy {
			if next, serr := s.sel.Failover(req, engineID); serr == nil && next != engineID {
				s.log.Info("segment failover", "download", dl.ID, "segment", seg.Index, "from", engineID, "to", next)
				metrics.SegmentFailovers.Inc()
				engineID = next
				seg.EngineID = next
				s.rep.Report(events.Event{DownloadID: dl.ID, SegmentID: seg.ID, Type: events.EventSegmentFailover})
			}
		}

		backoff := s.cfg.BackoffBase << (seg.RetryCount - 1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attempt performs a single fetch of the segment via the named engine,
// resuming from an existing partial temp file when the engine supports it.
func (s *Scheduler) attempt(ctx context.Context, dl *data.Download, seg *data.Segment, engineID string, prog *progressTracker) error {
	eng, cap, err := s.reg.Get(engineID)
	if err != nil {
		return err
	}

	var offset int64
	if cap.PartialResume {
		if fi, err := os.Stat(seg.TempPath); err == nil {
			offset = fi.Size()
		}
	}
	if length := seg.Length(); length >= 0 && offset > length {
		// Oversized partials are corrupt; refetch from scratch.
		_ = os.Remove(seg.TempPath)
		offset = 0
	}
	if length := seg.Length(); length >= 0 && offset == length && length > 0 {
		prog.add(offset - seg.Downloaded)
		seg.Downloaded = offset
		return nil
	}

	prog.add(offset - seg.Downloaded)
	seg.Downloaded = offset
	started := time.Now()
	err = eng.Fetch(ctx, engine.FetchRequest{
		URL:      dl.URL,
		Start:    seg.Start,
		End:      seg.End,
		TempPath: seg.TempPath,
		Offset:   offset,
		Progress: func(n int64) {
			seg.Downloaded += n
			prog.add(n)
		},
	})
	elapsed := time.Since(started)
	metrics.SegmentFetchLatency.WithLabelValues(engineID).Observe(elapsed.Seconds())
	if err != nil {
		return err
	}

	s.tp.Observe(engineID, seg.Downloaded-offset, elapsed)
	if seg.End < 0 {
		// End-of-stream observed; truncate the open-ended range.
		seg.End = seg.Start + seg.Downloaded
	}
	return nil
}

// progressTracker aggregates byte deltas across segment workers and emits
// throttled progress events.
type progressTracker struct {
	dl    *data.Download
	rep   events.Reporter
	start time.Time

	done     int64 // atomic
	lastEmit int64 // atomic, unix nanos
}

func (p *progressTracker) add(n int64) {
	if n == 0 {
		return
	}
	total := atomic.AddInt64(&p.done, n)
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&p.lastEmit)
	if now-last < int64(progressInterval) {
		return
	}
	if !atomic.CompareAndSwapInt64(&p.lastEmit, last, now) {
		return
	}
	var speed int64
	if elapsed := time.Since(p.start).Seconds(); elapsed > 0 {
		speed = int64(float64(total) / elapsed)
	}
	p.rep.Report(events.Event{
		DownloadID: p.dl.ID,
		Type:       events.EventProgress,
		Progress:   &events.Progress{Completed: total, Total: p.dl.TotalSize, Speed: speed},
	})
}
