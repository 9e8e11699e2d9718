package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/events"
)

// memEngine serves byte ranges of an in-memory payload, with optional
// failure injection per segment start offset.
type memEngine struct {
	id      string
	cap     engine.Capability
	payload []byte

	mu    sync.Mutex
	fails map[int64]int // start offset -> remaining failures
	calls int
	block bool // when set, Fetch waits for ctx cancellation
}

func (m *memEngine) ID() string                     { return m.id }
func (m *memEngine) Capability() engine.Capability  { return m.cap }
func (m *memEngine) CanHandle(protocol string) bool { return true }

func (m *memEngine) Probe(ctx context.Context, url string) (engine.ResourceInfo, error) {
	return engine.ResourceInfo{Size: int64(len(m.payload)), Resumable: m.cap.PartialResume}, nil
}

func (m *memEngine) Fetch(ctx context.Context, req engine.FetchRequest) error {
	m.mu.Lock()
	m.calls++
	if m.block {
		m.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if remaining := m.fails[req.Start]; remaining > 0 {
		m.fails[req.Start] = remaining - 1
		m.mu.Unlock()
		return fmt.Errorf("injected failure at %d", req.Start)
	}
	m.mu.Unlock()

	end := req.End
	if end < 0 || end > int64(len(m.payload)) {
		end = int64(len(m.payload))
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if req.Offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(req.TempPath, flags, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := f.Write(m.payload[req.Start+req.Offset : end])
	if err != nil {
		return err
	}
	if req.Progress != nil {
		req.Progress(int64(n))
	}
	return nil
}

type captureReporter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureReporter) Report(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureReporter) count(t events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func segmentsFor(t *testing.T, dl *data.Download, bounds [][2]int64) data.Segments {
	t.Helper()
	dir := t.TempDir()
	segs := make(data.Segments, 0, len(bounds))
	for i, b := range bounds {
		segs = append(segs, &data.Segment{
			ID:           fmt.Sprintf("seg-%d", i),
			DownloadID:   dl.ID,
			Index:        i,
			Start:        b[0],
			End:          b[1],
			Status:       data.SegmentQueued,
			TempPath:     filepath.Join(dir, fmt.Sprintf("%s.part%d", dl.ID, i)),
			RetryAllowed: true,
			Class:        data.ClassStandard,
		})
	}
	return segs
}

func newTestScheduler(eng *memEngine, rep events.Reporter, cfg Config) (*Scheduler, *engine.Registry) {
	reg := engine.NewRegistry()
	reg.Register(eng, eng.cap)
	sel := engine.NewSelector(reg)
	return New(testLogger(), reg, sel, NewSemaphore(8), engine.NewThroughput(), rep, cfg), reg
}

func TestRunFetchesAllSegments(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	eng := &memEngine{id: "mem", cap: engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy}, payload: payload}
	rep := &captureReporter{}
	s, _ := newTestScheduler(eng, rep, Config{MaxPerDownload: 2, MaxRetries: 3, BackoffBase: time.Millisecond})

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "mem", TotalSize: int64(len(payload))}
	segs := segmentsFor(t, dl, [][2]int64{{0, 15}, {15, 30}, {30, int64(len(payload))}})

	if err := s.Run(context.Background(), dl, data.DownloadRequest{Protocol: "mem"}, segs); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var merged []byte
	for _, seg := range segs {
		if seg.Status != data.SegmentCompleted {
			t.Fatalf("segment %d status = %s", seg.Index, seg.Status)
		}
		b, err := os.ReadFile(seg.TempPath)
		if err != nil {
			t.Fatalf("read temp %d: %v", seg.Index, err)
		}
		merged = append(merged, b...)
	}
	if string(merged) != string(payload) {
		t.Fatalf("merged temp bytes = %q", merged)
	}
	if got := rep.count(events.EventSegmentCompleted); got != 3 {
		t.Fatalf("SegmentCompleted events = %d, want 3", got)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	payload := make([]byte, 64)
	eng := &memEngine{
		id:      "mem",
		cap:     engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy},
		payload: payload,
		fails:   map[int64]int{32: 2}, // second segment fails twice
	}
	rep := &captureReporter{}
	s, _ := newTestScheduler(eng, rep, Config{MaxPerDownload: 1, MaxRetries: 3, BackoffBase: time.Millisecond})

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "mem", TotalSize: 64}
	segs := segmentsFor(t, dl, [][2]int64{{0, 32}, {32, 64}})

	if err := s.Run(context.Background(), dl, data.DownloadRequest{Protocol: "mem"}, segs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if segs[1].RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", segs[1].RetryCount)
	}
	if segs[1].Status != data.SegmentCompleted {
		t.Fatalf("segment status = %s", segs[1].Status)
	}
	if got := rep.count(events.EventSegmentFailed); got != 2 {
		t.Fatalf("SegmentFailed events = %d, want 2", got)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	eng := &memEngine{
		id:      "mem",
		cap:     engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy},
		payload: make([]byte, 16),
		fails:   map[int64]int{0: 100},
	}
	rep := &captureReporter{}
	s, _ := newTestScheduler(eng, rep, Config{MaxPerDownload: 1, MaxRetries: 2, BackoffBase: time.Millisecond})

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "mem", TotalSize: 16}
	segs := segmentsFor(t, dl, [][2]int64{{0, 16}})

	err := s.Run(context.Background(), dl, data.DownloadRequest{Protocol: "mem"}, segs)
	if !errors.Is(err, data.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if segs[0].Status != data.SegmentFailed {
		t.Fatalf("segment status = %s", segs[0].Status)
	}
	if segs[0].RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", segs[0].RetryCount)
	}
}

func TestRunFailsOverWhenEngineUnhealthy(t *testing.T) {
	payload := []byte("0123456789abcdef")
	primary := &memEngine{
		id:      "primary",
		cap:     engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Weight: 2, Health: engine.Healthy},
		payload: payload,
		fails:   map[int64]int{0: 100},
	}
	backup := &memEngine{
		id:      "backup",
		cap:     engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy},
		payload: payload,
	}
	rep := &captureReporter{}
	reg := engine.NewRegistry()
	reg.Register(primary, primary.cap)
	reg.Register(backup, backup.cap)
	sel := engine.NewSelector(reg)
	s := New(testLogger(), reg, sel, NewSemaphore(4), engine.NewThroughput(), rep, Config{MaxPerDownload: 1, MaxRetries: 5, BackoffBase: time.Millisecond})

	// Health drop below Healthy is what permits failover.
	if err := reg.UpdateHealth("primary", engine.Degraded); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "primary", TotalSize: int64(len(payload))}
	segs := segmentsFor(t, dl, [][2]int64{{0, int64(len(payload))}})

	if err := s.Run(context.Background(), dl, data.DownloadRequest{Protocol: "mem"}, segs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if segs[0].EngineID != "backup" {
		t.Fatalf("EngineID = %s, want backup", segs[0].EngineID)
	}
	if segs[0].RetryCount == 0 {
		t.Fatalf("retry count must carry over across failover")
	}
	if got := rep.count(events.EventSegmentFailover); got == 0 {
		t.Fatalf("expected failover event")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	eng := &memEngine{
		id:      "mem",
		cap:     engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy},
		payload: make([]byte, 16),
		block:   true,
	}
	rep := &captureReporter{}
	s, _ := newTestScheduler(eng, rep, Config{MaxPerDownload: 1, MaxRetries: 3, BackoffBase: time.Millisecond})

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "mem", TotalSize: 16}
	segs := segmentsFor(t, dl, [][2]int64{{0, 16}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx, dl, data.DownloadRequest{Protocol: "mem"}, segs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if segs[0].Status == data.SegmentCompleted {
		t.Fatalf("segment must not complete after cancellation")
	}
}

func TestRunSkipsCompletedSegments(t *testing.T) {
	payload := []byte("0123456789")
	eng := &memEngine{id: "mem", cap: engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy}, payload: payload}
	rep := &captureReporter{}
	s, _ := newTestScheduler(eng, rep, Config{MaxPerDownload: 2, MaxRetries: 3, BackoffBase: time.Millisecond})

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "mem", TotalSize: 10}
	segs := segmentsFor(t, dl, [][2]int64{{0, 5}, {5, 10}})
	segs[0].Status = data.SegmentCompleted
	segs[0].Downloaded = 5

	if err := s.Run(context.Background(), dl, data.DownloadRequest{Protocol: "mem"}, segs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.calls != 1 {
		t.Fatalf("engine calls = %d, want 1 (completed segment skipped)", eng.calls)
	}
}

func TestRunTruncatesOpenEndedSegment(t *testing.T) {
	payload := []byte("stream-of-unknown-length")
	eng := &memEngine{id: "mem", cap: engine.Capability{Protocols: []string{"mem"}, PartialResume: true, Health: engine.Healthy}, payload: payload}
	rep := &captureReporter{}
	s, _ := newTestScheduler(eng, rep, Config{MaxPerDownload: 1, MaxRetries: 3, BackoffBase: time.Millisecond})

	dl := &data.Download{ID: "d1", URL: "mem://x", EngineID: "mem", TotalSize: -1}
	segs := segmentsFor(t, dl, [][2]int64{{0, -1}})

	if err := s.Run(context.Background(), dl, data.DownloadRequest{Protocol: "mem"}, segs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if segs[0].End != int64(len(payload)) {
		t.Fatalf("End = %d, want %d after end-of-stream", segs[0].End, len(payload))
	}
}
