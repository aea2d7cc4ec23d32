package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

func TestMemoryProgress_MonotonicUpsert(t *testing.T) {
	r := NewMemoryProgressRepository()
	ctx := context.Background()

	if _, err := r.Get(ctx, "viewer-1", "v1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Upsert(ctx, Progress{ViewerID: "viewer-1", VideoID: "v1", LastPosition: 90, WatchTime: 90, Completed: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	out, err := r.Upsert(ctx, Progress{ViewerID: "viewer-1", VideoID: "v1", LastPosition: 12, WatchTime: 40})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out.LastPosition != 12 || out.WatchTime != 90 || !out.Completed {
		t.Fatalf("expected position replaced, watch time kept, completed sticky; got %+v", out)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}

	got, _ := r.Get(ctx, "viewer-1", "v1")
	if got != out {
		t.Fatalf("stored row differs from returned row: %+v vs %+v", got, out)
	}
	if _, err := r.Get(ctx, "viewer-2", "v1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("progress must be per viewer, got %v", err)
	}
}

func TestMemoryCatalog(t *testing.T) {
	r := NewMemoryCatalogRepository(Video{ID: "v1", ProcessingStatus: StatusProcessing})
	ctx := context.Background()

	v, err := r.GetVideo(ctx, "v1")
	if err != nil || v.ProcessingStatus != StatusProcessing {
		t.Fatalf("unexpected seeded video %+v err=%v", v, err)
	}
	if err := r.PutVideo(ctx, Video{ID: "v1", ManifestURL: "https://cdn/v1.m3u8", ProcessingStatus: StatusCompleted}); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, _ = r.GetVideo(ctx, "v1")
	if v.ManifestURL != "https://cdn/v1.m3u8" {
		t.Fatalf("expected put to replace the row, got %+v", v)
	}
	if _, err := r.GetVideo(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessingStatusValid(t *testing.T) {
	for _, s := range []ProcessingStatus{StatusProcessing, StatusCompleted, StatusFailed} {
		if !s.Valid() {
			t.Fatalf("%q should be valid", s)
		}
	}
	if ProcessingStatus("transcoding").Valid() {
		t.Fatal("unknown status accepted")
	}
}

func TestPostgresProgress_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT last_position, watch_time, completed, updated_at\s+FROM watch_progress WHERE viewer_id=\$1 AND video_id=\$2`).
		WithArgs("viewer-1", "v1").
		WillReturnRows(pgxmock.NewRows([]string{"last_position", "watch_time", "completed", "updated_at"}).
			AddRow(40.3, 41, false, ts))
	mock.ExpectQuery(`FROM watch_progress`).
		WithArgs("viewer-1", "v2").
		WillReturnError(pgx.ErrNoRows)

	r := NewPostgresProgressRepository(mock)
	p, err := r.Get(context.Background(), "viewer-1", "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.LastPosition != 40.3 || p.WatchTime != 41 || !p.UpdatedAt.Equal(ts) {
		t.Fatalf("unexpected progress %+v", p)
	}
	if _, err := r.Get(context.Background(), "viewer-1", "v2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestPostgresProgress_UpsertIsMonotonic(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`watch_time\s+= GREATEST\(watch_progress.watch_time, EXCLUDED.watch_time\),\s+completed\s+= watch_progress.completed OR EXCLUDED.completed`).
		WithArgs("viewer-1", "v1", 12.5, 30, false, now).
		WillReturnRows(pgxmock.NewRows([]string{"last_position", "watch_time", "completed", "updated_at"}).
			AddRow(12.5, 90, true, now))

	r := NewPostgresProgressRepository(mock)
	r.now = func() time.Time { return now }
	out, err := r.Upsert(context.Background(), Progress{ViewerID: "viewer-1", VideoID: "v1", LastPosition: 12.5, WatchTime: 30})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out.WatchTime != 90 || !out.Completed || out.VideoID != "v1" {
		t.Fatalf("expected database row to win, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestPostgresProgress_UpsertError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO watch_progress`).WillReturnError(errors.New("connection reset"))
	_, err = NewPostgresProgressRepository(mock).Upsert(context.Background(), Progress{ViewerID: "a", VideoID: "b"})
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped database error, got %v", err)
	}
}

func TestPostgresCatalog(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	manifest := "https://cdn/v1/master.m3u8"
	uploaded := time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT manifest_url, processing_status, uploaded_at FROM videos WHERE id=\$1`).
		WithArgs("v1").
		WillReturnRows(pgxmock.NewRows([]string{"manifest_url", "processing_status", "uploaded_at"}).
			AddRow(&manifest, "completed", &uploaded))
	mock.ExpectExec(`INSERT INTO videos`).
		WithArgs("v2", pgxmock.AnyArg(), "processing", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := NewPostgresCatalogRepository(mock)
	v, err := r.GetVideo(context.Background(), "v1")
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if v.ManifestURL != manifest || v.ProcessingStatus != StatusCompleted || !v.UploadedAt.Equal(uploaded) {
		t.Fatalf("unexpected video %+v", v)
	}
	if err := r.PutVideo(context.Background(), Video{ID: "v2", ProcessingStatus: StatusProcessing}); err != nil {
		t.Fatalf("put video: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}
