package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresProgressRepository is the production Postgres-backed implementation.
type PostgresProgressRepository struct {
	db  DBTX
	now func() time.Time
}

func NewPostgresProgressRepository(db DBTX) *PostgresProgressRepository {
	return &PostgresProgressRepository{db: db, now: time.Now}
}

func (r *PostgresProgressRepository) Get(ctx context.Context, viewerID, videoID string) (Progress, error) {
	q := `SELECT last_position, watch_time, completed, updated_at
	      FROM watch_progress WHERE viewer_id=$1 AND video_id=$2`
	out := Progress{ViewerID: viewerID, VideoID: videoID}
	err := r.db.QueryRow(ctx, q, viewerID, videoID).
		Scan(&out.LastPosition, &out.WatchTime, &out.Completed, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return out, nil
}

func (r *PostgresProgressRepository) Upsert(ctx context.Context, p Progress) (Progress, error) {
	q := `
INSERT INTO watch_progress (viewer_id, video_id, last_position, watch_time, completed, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (viewer_id, video_id)
DO UPDATE SET
  last_position = EXCLUDED.last_position,
  watch_time    = GREATEST(watch_progress.watch_time, EXCLUDED.watch_time),
  completed     = watch_progress.completed OR EXCLUDED.completed,
  updated_at    = EXCLUDED.updated_at
RETURNING last_position, watch_time, completed, updated_at`

	out := Progress{ViewerID: p.ViewerID, VideoID: p.VideoID}
	err := r.db.QueryRow(ctx, q,
		p.ViewerID, p.VideoID, p.LastPosition, p.WatchTime, p.Completed, r.now().UTC(),
	).Scan(&out.LastPosition, &out.WatchTime, &out.Completed, &out.UpdatedAt)
	if err != nil {
		return Progress{}, fmt.Errorf("upsert progress: %w", err)
	}
	return out, nil
}

type PostgresCatalogRepository struct {
	db DBTX
}

func NewPostgresCatalogRepository(db DBTX) *PostgresCatalogRepository {
	return &PostgresCatalogRepository{db: db}
}

func (r *PostgresCatalogRepository) GetVideo(ctx context.Context, id string) (Video, error) {
	q := `SELECT manifest_url, processing_status, uploaded_at FROM videos WHERE id=$1`
	var (
		manifest *string
		status   string
		uploaded *time.Time
	)
	err := r.db.QueryRow(ctx, q, id).Scan(&manifest, &status, &uploaded)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, fmt.Errorf("get video: %w", err)
	}
	v := Video{ID: id, ProcessingStatus: ProcessingStatus(status)}
	if manifest != nil {
		v.ManifestURL = *manifest
	}
	if uploaded != nil {
		v.UploadedAt = *uploaded
	}
	return v, nil
}

func (r *PostgresCatalogRepository) PutVideo(ctx context.Context, v Video) error {
	q := `
INSERT INTO videos (id, manifest_url, processing_status, uploaded_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id)
DO UPDATE SET
  manifest_url      = EXCLUDED.manifest_url,
  processing_status = EXCLUDED.processing_status,
  uploaded_at       = EXCLUDED.uploaded_at`

	var manifest *string
	if v.ManifestURL != "" {
		manifest = &v.ManifestURL
	}
	var uploaded *time.Time
	if !v.UploadedAt.IsZero() {
		t := v.UploadedAt.UTC()
		uploaded = &t
	}
	if _, err := r.db.Exec(ctx, q, v.ID, manifest, string(v.ProcessingStatus), uploaded); err != nil {
		return fmt.Errorf("put video: %w", err)
	}
	return nil
}
