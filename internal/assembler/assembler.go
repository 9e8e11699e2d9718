// Package assembler merges completed segment temp files into the final
// artifact in index order and verifies the result.
package assembler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tern-dl/tern/internal/data"
)

// Assemble merges the download's segment temp files into the destination
// path in ascending index order. The destination file handle is exclusively
// owned here; no concurrent writers exist for the download. Temp files are
// kept for a possible repair pass; call Cleanup after verification.
func Assemble(dl *data.Download, segs data.Segments) error {
	ordered := segs.Clone()
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	if err := checkCoverage(ordered, dl.TotalSize); err != nil {
		return err
	}

	if dir := filepath.Dir(dl.TargetPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}
	dest, err := os.Create(dl.TargetPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer dest.Close()

	var totalWritten int64
	for _, seg := range ordered {
		part, err := os.Open(seg.TempPath)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", seg.Index, err)
		}
		written, err := io.Copy(dest, part)
		part.Close()
		if err != nil {
			return fmt.Errorf("copy segment %d: %w", seg.Index, err)
		}
		if length := seg.Length(); length >= 0 && written != length {
			return fmt.Errorf("segment %d: %w: wrote %d of %d bytes", seg.Index, data.ErrAssemblyGap, written, length)
		}
		totalWritten += written
	}
	if dl.TotalSize >= 0 && totalWritten != dl.TotalSize {
		return fmt.Errorf("%w: assembled %d of %d bytes", data.ErrAssemblyGap, totalWritten, dl.TotalSize)
	}
	return dest.Sync()
}

// Cleanup removes segment temp files after successful verification.
func Cleanup(segs data.Segments) {
	for _, seg := range segs {
		if seg.TempPath != "" {
			_ = os.Remove(seg.TempPath)
		}
	}
}

// checkCoverage enforces the invariant that completed segment ranges are
// contiguous, non-overlapping, and tile [0, total) exactly. A gap is fatal:
// it indicates a planning bug or corrupted segment state, never retried.
func checkCoverage(ordered data.Segments, total int64) error {
	if len(ordered) == 0 {
		return fmt.Errorf("%w: no segments", data.ErrAssemblyGap)
	}
	var next int64
	for _, seg := range ordered {
		if seg.Status != data.SegmentCompleted {
			return fmt.Errorf("%w: segment %d is %s", data.ErrAssemblyGap, seg.Index, seg.Status)
		}
		if seg.Start != next {
			return fmt.Errorf("%w: expected offset %d, segment %d starts at %d", data.ErrAssemblyGap, next, seg.Index, seg.Start)
		}
		if seg.End <= seg.Start {
			return fmt.Errorf("%w: segment %d has empty range", data.ErrAssemblyGap, seg.Index)
		}
		next = seg.End
	}
	if total >= 0 && next != total {
		return fmt.Errorf("%w: coverage ends at %d of %d", data.ErrAssemblyGap, next, total)
	}
	return nil
}
