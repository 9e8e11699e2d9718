package data

import (
	"encoding/json"
	"errors"
	"io"
	"time"
)

// DownloadStatus is the lifecycle state of a Download aggregate.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "Queued"
	StatusDownloading DownloadStatus = "Downloading"
	StatusPaused      DownloadStatus = "Paused"
	StatusCompleted   DownloadStatus = "Completed"
	StatusFailed      DownloadStatus = "Failed"
	StatusCanceled    DownloadStatus = "Canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s DownloadStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Priority orders downloads in the admission queue. Higher tiers are
// admitted first; FIFO applies within a tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Normal"
	}
}

// SplitStrategy names the segmentation decision the planner took.
type SplitStrategy string

const (
	SplitNone            SplitStrategy = "None"
	SplitEqualSize       SplitStrategy = "EqualSize"
	SplitAdaptiveSizing  SplitStrategy = "AdaptiveSizing"
	SplitEngineOptimized SplitStrategy = "EngineOptimized"
	SplitRoundRobin      SplitStrategy = "RoundRobin"
)

var (
	ErrNotFound         = errors.New("download not found")
	ErrBadStatus        = errors.New("invalid status")
	ErrInvalidSource    = errors.New("source URL is required")
	ErrTargetPath       = errors.New("destination path is required")
	ErrConflict         = errors.New("download conflicts with an existing one")
	ErrNoCapableEngine  = errors.New("no capable engine for request")
	ErrAssemblyGap      = errors.New("assembly incomplete: byte-range coverage gap")
	ErrVerifyFailed     = errors.New("verification failed")
	ErrRetriesExhausted = errors.New("all segment retries exhausted")
)

// DownloadRequest is the immutable submission payload. The orchestration
// core never mutates it; admission turns it into a Download.
type DownloadRequest struct {
	URL          string            `json:"url"`
	Protocol     string            `json:"protocol,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	Resumable    bool              `json:"resumable,omitempty"`
	TargetPath   string            `json:"targetPath"`
	Priority     Priority          `json:"priority"`
	ExpectedHash string            `json:"expectedHash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SplitInfo records how a Download was segmented.
type SplitInfo struct {
	Strategy          SplitStrategy `json:"strategy"`
	TotalSegments     int           `json:"totalSegments"`
	CompletedSegments int           `json:"completedSegments"`
	SegmentIDs        []string      `json:"segmentIds"`
}

// Download is the mutable aggregate owned by the orchestration core, one
// per admitted request.
type Download struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	TargetPath   string         `json:"targetPath"`
	TotalSize    int64          `json:"totalSize"`
	Status       DownloadStatus `json:"status"`
	Priority     Priority       `json:"priority"`
	EngineID     string         `json:"engineId,omitempty"`
	ExpectedHash string         `json:"expectedHash,omitempty"`
	Error        string         `json:"error,omitempty"`
	Split        *SplitInfo     `json:"split,omitempty"`
	Fingerprint  string         `json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    time.Time      `json:"startedAt,omitempty"`
	CompletedAt  time.Time      `json:"completedAt,omitempty"`
}

type Downloads []*Download

// Clone returns a deep copy so repository reads never alias internal state.
func (d *Download) Clone() *Download {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Split != nil {
		sp := *d.Split
		sp.SegmentIDs = append([]string(nil), d.Split.SegmentIDs...)
		cp.Split = &sp
	}
	return &cp
}

func (ds Downloads) Clone() Downloads {
	out := make(Downloads, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Clone())
	}
	return out
}

func (ds *Downloads) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(ds) }

func (d *Download) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(d) }

func (d *Download) FromJSON(r io.Reader) error { return json.NewDecoder(r).Decode(d) }
