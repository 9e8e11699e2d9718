// Package repo defines the persistence contract for downloads. The core
// only requires atomic upsert semantics per download; the backing
// technology is unconstrained.
package repo

import (
	"context"

	"github.com/tern-dl/tern/internal/data"
)

type DownloadRepo interface {
	DownloadReader
	DownloadWriter
}

type DownloadReader interface {
	List(ctx context.Context) (data.Downloads, error)
	ListByStatus(ctx context.Context, status data.DownloadStatus) (data.Downloads, error)
	Get(ctx context.Context, id string) (*data.Download, error)
	GetByFingerprint(ctx context.Context, fprint string) (*data.Download, error)
}

type DownloadWriter interface {
	// Add persists a new download. When a download with the same
	// fingerprint already exists, it is returned with created=false and
	// nothing is inserted.
	Add(ctx context.Context, d *data.Download) (saved *data.Download, created bool, err error)
	// Update applies mutate to the stored download atomically and returns
	// the updated snapshot.
	Update(ctx context.Context, id string, mutate func(*data.Download) error) (*data.Download, error)
	Delete(ctx context.Context, id string) error
}
