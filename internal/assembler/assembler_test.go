package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tern-dl/tern/internal/data"
)

func writeSegments(t *testing.T, dl *data.Download, parts []string) data.Segments {
	t.Helper()
	dir := t.TempDir()
	segs := make(data.Segments, 0, len(parts))
	var offset int64
	for i, body := range parts {
		path := filepath.Join(dir, fmt.Sprintf("%s.part%d", dl.ID, i))
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("write part %d: %v", i, err)
		}
		segs = append(segs, &data.Segment{
			ID:         fmt.Sprintf("seg-%d", i),
			DownloadID: dl.ID,
			Index:      i,
			Start:      offset,
			End:        offset + int64(len(body)),
			Status:     data.SegmentCompleted,
			TempPath:   path,
			Downloaded: int64(len(body)),
		})
		offset += int64(len(body))
	}
	dl.TotalSize = offset
	return segs
}

func TestAssembleMergesInOrder(t *testing.T) {
	dl := &data.Download{ID: "d1", TargetPath: filepath.Join(t.TempDir(), "out.bin")}
	segs := writeSegments(t, dl, []string{"alpha-", "beta-", "gamma"})

	// shuffle input order; assembly must sort by index
	shuffled := data.Segments{segs[2], segs[0], segs[1]}
	if err := Assemble(dl, shuffled); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	got, err := os.ReadFile(dl.TargetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(got) != "alpha-beta-gamma" {
		t.Fatalf("assembled content = %q", got)
	}

	// temps survive assembly for a possible repair pass
	for _, seg := range segs {
		if _, err := os.Stat(seg.TempPath); err != nil {
			t.Fatalf("temp %d removed prematurely: %v", seg.Index, err)
		}
	}
}

func TestAssembleRejectsGap(t *testing.T) {
	dl := &data.Download{ID: "d1", TargetPath: filepath.Join(t.TempDir(), "out.bin")}
	segs := writeSegments(t, dl, []string{"aaaa", "bbbb"})
	segs[1].Start += 2 // hole between segments
	segs[1].End += 2

	err := Assemble(dl, segs)
	if !errors.Is(err, data.ErrAssemblyGap) {
		t.Fatalf("expected ErrAssemblyGap, got %v", err)
	}
	if _, statErr := os.Stat(dl.TargetPath); statErr == nil {
		t.Fatalf("destination must not exist after coverage failure")
	}
}

func TestAssembleRejectsIncompleteSegment(t *testing.T) {
	dl := &data.Download{ID: "d1", TargetPath: filepath.Join(t.TempDir(), "out.bin")}
	segs := writeSegments(t, dl, []string{"aaaa", "bbbb"})
	segs[0].Status = data.SegmentFailed

	if err := Assemble(dl, segs); !errors.Is(err, data.ErrAssemblyGap) {
		t.Fatalf("expected ErrAssemblyGap, got %v", err)
	}
}

func TestAssembleRejectsShortTemp(t *testing.T) {
	dl := &data.Download{ID: "d1", TargetPath: filepath.Join(t.TempDir(), "out.bin")}
	segs := writeSegments(t, dl, []string{"aaaa", "bbbb"})
	if err := os.WriteFile(segs[1].TempPath, []byte("b"), 0644); err != nil {
		t.Fatalf("truncate temp: %v", err)
	}

	if err := Assemble(dl, segs); !errors.Is(err, data.ErrAssemblyGap) {
		t.Fatalf("expected ErrAssemblyGap, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	newArtifact := func(t *testing.T, body string) *data.Download {
		t.Helper()
		path := filepath.Join(t.TempDir(), "out.bin")
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		return &data.Download{ID: "d1", TargetPath: path, TotalSize: int64(len(body))}
	}

	t.Run("verified with matching hash", func(t *testing.T) {
		dl := newArtifact(t, "payload")
		sum := sha256.Sum256([]byte("payload"))
		dl.ExpectedHash = hex.EncodeToString(sum[:])

		res := Verify(ctx, dl)
		if res.Status != data.VerifyVerified || !res.OK() {
			t.Fatalf("status = %s", res.Status)
		}
		if !res.SizeMatch || !res.FileExists {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("expected hash is case-insensitive", func(t *testing.T) {
		dl := newArtifact(t, "payload")
		sum := sha256.Sum256([]byte("payload"))
		dl.ExpectedHash = hexUpper(sum[:])

		res := Verify(ctx, dl)
		if res.Status != data.VerifyVerified {
			t.Fatalf("status = %s", res.Status)
		}
	})

	t.Run("hash mismatch", func(t *testing.T) {
		dl := newArtifact(t, "payload")
		dl.ExpectedHash = "deadbeef"

		res := Verify(ctx, dl)
		if res.Status != data.VerifyHashMismatch || res.OK() {
			t.Fatalf("status = %s", res.Status)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		dl := newArtifact(t, "payload")
		dl.TotalSize = 3

		res := Verify(ctx, dl)
		if res.Status != data.VerifyHashMismatch || res.SizeMatch {
			t.Fatalf("result: %+v", res)
		}
	})

	t.Run("no hash provided still verifies size", func(t *testing.T) {
		dl := newArtifact(t, "payload")

		res := Verify(ctx, dl)
		if res.Status != data.VerifyNoHashProvided || !res.OK() {
			t.Fatalf("status = %s", res.Status)
		}
		if res.ComputedHash == "" {
			t.Fatalf("computed hash should still be recorded")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		dl := &data.Download{ID: "d1", TargetPath: filepath.Join(t.TempDir(), "absent.bin"), TotalSize: 4}
		res := Verify(ctx, dl)
		if res.Status != data.VerifyFileNotFound || res.FileExists {
			t.Fatalf("result: %+v", res)
		}
	})
}

func hexUpper(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, digits[x>>4], digits[x&0xf])
	}
	return string(out)
}

func TestRepairPlan(t *testing.T) {
	t.Run("full refetch resets everything", func(t *testing.T) {
		dl := &data.Download{ID: "d1"}
		segs := writeSegments(t, dl, []string{"aaaa", "bbbb"})
		segs[0].RetryCount = 2

		reset := RepairPlan(segs, true)
		if reset != 2 {
			t.Fatalf("reset = %d, want 2", reset)
		}
		for _, seg := range segs {
			if seg.Status != data.SegmentQueued || seg.Downloaded != 0 || seg.RetryCount != 0 {
				t.Fatalf("segment %d not reset: %+v", seg.Index, seg)
			}
			if _, err := os.Stat(seg.TempPath); err == nil {
				t.Fatalf("temp %d should be removed", seg.Index)
			}
		}
	})

	t.Run("targeted repair only resets damaged temps", func(t *testing.T) {
		dl := &data.Download{ID: "d1"}
		segs := writeSegments(t, dl, []string{"aaaa", "bbbb"})
		if err := os.Remove(segs[1].TempPath); err != nil {
			t.Fatalf("remove temp: %v", err)
		}

		reset := RepairPlan(segs, false)
		if reset != 1 {
			t.Fatalf("reset = %d, want 1", reset)
		}
		if segs[0].Status != data.SegmentCompleted {
			t.Fatalf("intact segment reset unexpectedly")
		}
		if segs[1].Status != data.SegmentQueued {
			t.Fatalf("damaged segment not reset")
		}
	})
}
