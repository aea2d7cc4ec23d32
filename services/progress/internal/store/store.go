// Package store persists watch progress and the video catalog consulted by
// the manifest endpoint.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("store: not found")

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Progress is the stored resume state of one viewer for one video.
type Progress struct {
	ViewerID     string
	VideoID      string
	LastPosition float64
	WatchTime    int
	Completed    bool
	UpdatedAt    time.Time
}

// ProgressRepository upserts monotonically: watch time never decreases and
// completed stays true once set. The position is last-writer-wins.
type ProgressRepository interface {
	Get(ctx context.Context, viewerID, videoID string) (Progress, error)
	Upsert(ctx context.Context, p Progress) (Progress, error)
}

type ProcessingStatus string

const (
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Video struct {
	ID               string
	ManifestURL      string
	ProcessingStatus ProcessingStatus
	UploadedAt       time.Time
}

type CatalogRepository interface {
	GetVideo(ctx context.Context, id string) (Video, error)
	PutVideo(ctx context.Context, v Video) error
}

func merge(old, in Progress) Progress {
	out := in
	if old.WatchTime > out.WatchTime {
		out.WatchTime = old.WatchTime
	}
	out.Completed = old.Completed || in.Completed
	return out
}
