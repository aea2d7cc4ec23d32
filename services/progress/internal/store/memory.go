package store

import (
	"context"
	"sync"
	"time"
)

type progressKey struct{ viewer, video string }

// MemoryProgressRepository is the development fallback when DATABASE_URL is unset.
type MemoryProgressRepository struct {
	mu   sync.RWMutex
	rows map[progressKey]Progress
	now  func() time.Time
}

func NewMemoryProgressRepository() *MemoryProgressRepository {
	return &MemoryProgressRepository{rows: make(map[progressKey]Progress), now: time.Now}
}

func (r *MemoryProgressRepository) Get(_ context.Context, viewerID, videoID string) (Progress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rows[progressKey{viewerID, videoID}]
	if !ok {
		return Progress{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryProgressRepository) Upsert(_ context.Context, p Progress) (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := progressKey{p.ViewerID, p.VideoID}
	out := p
	if old, ok := r.rows[k]; ok {
		out = merge(old, p)
	}
	out.UpdatedAt = r.now().UTC()
	r.rows[k] = out
	return out, nil
}

type MemoryCatalogRepository struct {
	mu     sync.RWMutex
	videos map[string]Video
}

func NewMemoryCatalogRepository(seed ...Video) *MemoryCatalogRepository {
	r := &MemoryCatalogRepository{videos: make(map[string]Video, len(seed))}
	for _, v := range seed {
		r.videos[v.ID] = v
	}
	return r
}

func (r *MemoryCatalogRepository) GetVideo(_ context.Context, id string) (Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.videos[id]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

func (r *MemoryCatalogRepository) PutVideo(_ context.Context, v Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videos[v.ID] = v
	return nil
}
