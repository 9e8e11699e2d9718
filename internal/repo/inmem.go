package repo

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tern-dl/tern/internal/data"
)

// InMemoryDownloadRepo is the default repository. Reads return clones so
// callers never alias stored state.
type InMemoryDownloadRepo struct {
	mu        sync.RWMutex
	downloads data.Downloads
}

func NewInMemoryDownloadRepo() *InMemoryDownloadRepo {
	return &InMemoryDownloadRepo{downloads: make(data.Downloads, 0)}
}

func (r *InMemoryDownloadRepo) List(ctx context.Context) (data.Downloads, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.downloads.Clone(), nil
}

func (r *InMemoryDownloadRepo) ListByStatus(ctx context.Context, status data.DownloadStatus) (data.Downloads, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out data.Downloads
	for _, d := range r.downloads {
		if d.Status == status {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (r *InMemoryDownloadRepo) Get(ctx context.Context, id string) (*data.Download, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

func (r *InMemoryDownloadRepo) GetByFingerprint(ctx context.Context, fprint string) (*data.Download, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.downloads {
		if d.Fingerprint != "" && d.Fingerprint == fprint {
			return d.Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryDownloadRepo) Add(ctx context.Context, d *data.Download) (*data.Download, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Fingerprint != "" {
		for _, existing := range r.downloads {
			if existing.Fingerprint == d.Fingerprint {
				return existing.Clone(), false, nil
			}
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	r.downloads = append(r.downloads, d.Clone())
	return d.Clone(), true, nil
}

func (r *InMemoryDownloadRepo) Update(ctx context.Context, id string, mutate func(*data.Download) error) (*data.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	next := d.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	for i, stored := range r.downloads {
		if stored.ID == id {
			r.downloads[i] = next
			break
		}
	}
	return next.Clone(), nil
}

func (r *InMemoryDownloadRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.downloads {
		if d.ID == id {
			r.downloads = append(r.downloads[:i], r.downloads[i+1:]...)
			return nil
		}
	}
	return data.ErrNotFound
}

func (r *InMemoryDownloadRepo) findByID(id string) (*data.Download, error) {
	for _, d := range r.downloads {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, data.ErrNotFound
}
