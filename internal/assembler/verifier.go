package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tern-dl/tern/internal/data"
)

const hashChunkSize = 1 << 20

// Verify checks the assembled artifact: existence, size, and content hash
// against the expected SHA-256 when the request supplied one. Hashing is
// chunked so cancellation is observed between chunks.
func Verify(ctx context.Context, dl *data.Download) data.VerificationResult {
	res := data.VerificationResult{
		DownloadID:   dl.ID,
		ExpectedHash: strings.ToLower(dl.ExpectedHash),
		StartedAt:    time.Now(),
	}
	defer func() { res.FinishedAt = time.Now() }()

	fi, err := os.Stat(dl.TargetPath)
	if err != nil {
		res.Status = data.VerifyFileNotFound
		return res
	}
	res.FileExists = true
	res.SizeMatch = dl.TotalSize < 0 || fi.Size() == dl.TotalSize

	sum, err := hashFile(ctx, dl.TargetPath)
	if err != nil {
		res.Status = data.VerifyFailed
		return res
	}
	res.ComputedHash = sum

	if !res.SizeMatch {
		res.Status = data.VerifyHashMismatch
		return res
	}
	if res.ExpectedHash == "" {
		res.Status = data.VerifyNoHashProvided
		return res
	}
	if res.ComputedHash != res.ExpectedHash {
		res.Status = data.VerifyHashMismatch
		return res
	}
	res.Status = data.VerifyVerified
	return res
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RepairPlan resets the segments to re-fetch after a verification
// mismatch. A whole-file hash cannot localize the corrupt byte region, so
// fullRefetch resets every segment; otherwise only segments whose temp
// files are missing or short are reset.
func RepairPlan(segs data.Segments, fullRefetch bool) int {
	reset := 0
	for _, seg := range segs {
		needs := fullRefetch
		if !needs {
			fi, err := os.Stat(seg.TempPath)
			needs = err != nil || (seg.Length() >= 0 && fi.Size() != seg.Length())
		}
		if !needs {
			continue
		}
		_ = os.Remove(seg.TempPath)
		seg.Status = data.SegmentQueued
		seg.Downloaded = 0
		seg.RetryCount = 0
		reset++
	}
	return reset
}
