package data

// SegmentStatus is the lifecycle state of a single segment.
type SegmentStatus string

const (
	SegmentQueued      SegmentStatus = "Queued"
	SegmentDownloading SegmentStatus = "Downloading"
	SegmentCompleted   SegmentStatus = "Completed"
	SegmentFailed      SegmentStatus = "Failed"
)

// SegmentClass biases scheduling order. Verification and metadata segments
// are fetched before standard ones because later stages depend on them.
type SegmentClass string

const (
	ClassStandard     SegmentClass = "Standard"
	ClassInitialChunk SegmentClass = "InitialChunk"
	ClassFinal        SegmentClass = "Final"
	ClassMetadata     SegmentClass = "Metadata"
	ClassVerification SegmentClass = "Verification"
)

// DispatchRank orders classes for the scheduler; lower runs first.
func (c SegmentClass) DispatchRank() int {
	switch c {
	case ClassVerification:
		return 0
	case ClassMetadata:
		return 1
	case ClassInitialChunk:
		return 2
	case ClassFinal:
		return 4
	default:
		return 3
	}
}

// Segment is one contiguous byte-range slice of a Download, fetched and
// retried independently. End == -1 means the true end of the resource is
// unknown and the segment is truncated once end-of-stream is observed.
type Segment struct {
	ID           string        `json:"id"`
	DownloadID   string        `json:"downloadId"`
	Index        int           `json:"index"`
	Start        int64         `json:"start"`
	End          int64         `json:"end"`
	Status       SegmentStatus `json:"status"`
	EngineID     string        `json:"engineId,omitempty"`
	TempPath     string        `json:"tempPath,omitempty"`
	Downloaded   int64         `json:"downloaded"`
	RetryCount   int           `json:"retryCount"`
	RetryAllowed bool          `json:"retryAllowed"`
	Priority     Priority      `json:"priority"`
	Class        SegmentClass  `json:"class"`
}

type Segments []*Segment

// Length returns the byte count of the segment's range, or -1 while the
// range end is unknown.
func (s *Segment) Length() int64 {
	if s.End < 0 {
		return -1
	}
	return s.End - s.Start
}

func (s *Segment) Clone() *Segment {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func (ss Segments) Clone() Segments {
	out := make(Segments, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Clone())
	}
	return out
}
