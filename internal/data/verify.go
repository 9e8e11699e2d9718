package data

import "time"

// VerificationStatus is the terminal outcome of post-assembly verification.
type VerificationStatus string

const (
	VerifyVerified       VerificationStatus = "Verified"
	VerifyHashMismatch   VerificationStatus = "HashMismatch"
	VerifyFileNotFound   VerificationStatus = "FileNotFound"
	VerifyNoHashProvided VerificationStatus = "NoHashProvided"
	VerifyFailed         VerificationStatus = "VerificationFailed"
)

// VerificationResult records the outcome of verifying one completed
// Download against its expected size and hash.
type VerificationResult struct {
	DownloadID   string             `json:"downloadId"`
	FileExists   bool               `json:"fileExists"`
	ComputedHash string             `json:"computedHash,omitempty"`
	ExpectedHash string             `json:"expectedHash,omitempty"`
	SizeMatch    bool               `json:"sizeMatch"`
	Status       VerificationStatus `json:"status"`
	StartedAt    time.Time          `json:"startedAt"`
	FinishedAt   time.Time          `json:"finishedAt"`
}

// OK reports whether the download may transition to Completed. A download
// without an expected hash still verifies existence and size.
func (v VerificationResult) OK() bool {
	return v.Status == VerifyVerified || v.Status == VerifyNoHashProvided
}
