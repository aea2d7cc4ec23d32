package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/example/watch-platform/internal/platform/auth"
	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/internal/platform/signing"
	"github.com/example/watch-platform/services/progress/internal/events"
	"github.com/example/watch-platform/services/progress/internal/store"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

type published struct{ subjects []string }

func (p *published) PublishAsync(subj string, _ []byte, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	p.subjects = append(p.subjects, subj)
	return nil, nil
}

type fixture struct {
	router   chi.Router
	progress *store.MemoryProgressRepository
	catalog  *store.MemoryCatalogRepository
	events   *published
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		progress: store.NewMemoryProgressRepository(),
		catalog: store.NewMemoryCatalogRepository(
			store.Video{ID: "v1", ManifestURL: "https://cdn.example.com/v1/master.m3u8", ProcessingStatus: store.StatusCompleted,
				UploadedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)},
			store.Video{ID: "v2", ProcessingStatus: store.StatusProcessing},
		),
		events: &published{},
	}
	opts := Options{
		Progress: f.progress,
		Catalog:  f.catalog,
		Events:   events.New(f.events, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	New(opts).Routes(r, auth.JWTVerifier{Secret: testSecret})
	f.router = r
	return f
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Issuer{Secret: testSecret, TTL: time.Hour}.Issue(subject, role)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestProgress_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/videos/v1/progress", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/videos/v1/progress", "garbage", "").Code)
}

func TestProgress_SaveAndGet(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "viewer-1", "")

	rr := f.do(t, http.MethodGet, "/videos/v1/progress", tok, "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/videos/v1/progress", tok, `{"lastPosition":95.5,"watchTime":95,"completed":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = f.do(t, http.MethodPost, "/videos/v1/progress", tok, `{"lastPosition":10,"watchTime":10,"completed":false}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/videos/v1/progress", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body progressBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, 10.0, body.LastPosition)
	require.Equal(t, 95, body.WatchTime)
	require.True(t, body.Completed)
	require.NotNil(t, body.UpdatedAt)

	require.Equal(t, []string{events.SubjectProgress, events.SubjectProgress}, f.events.subjects)

	// other viewers do not see it
	rr = f.do(t, http.MethodGet, "/videos/v1/progress", token(t, "viewer-2", ""), "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProgress_SaveValidation(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "viewer-1", "")
	for _, body := range []string{
		`{"watchTime":1}`,
		`{"lastPosition":-1,"watchTime":1}`,
		`{"lastPosition":1,"watchTime":-3}`,
		`{"lastPosition":1,"extra":true}`,
		`not json`,
	} {
		rr := f.do(t, http.MethodPost, "/videos/v1/progress", tok, body)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	require.Empty(t, f.events.subjects)
}

type failingProgress struct{}

func (failingProgress) Get(context.Context, string, string) (store.Progress, error) {
	return store.Progress{}, errors.New("db down")
}
func (failingProgress) Upsert(context.Context, store.Progress) (store.Progress, error) {
	return store.Progress{}, errors.New("db down")
}

func TestProgress_StoreFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Progress = failingProgress{} })
	tok := token(t, "viewer-1", "")
	require.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/videos/v1/progress", tok, "").Code)
	require.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/videos/v1/progress", tok, `{"lastPosition":1,"watchTime":1}`).Code)
	require.Empty(t, f.events.subjects)
}

func TestProgress_RateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limiter = NewViewerLimiter(rate.Every(time.Hour), 2) })
	tok := token(t, "viewer-1", "")
	body := `{"lastPosition":1,"watchTime":1}`

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/videos/v1/progress", tok, body).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/videos/v1/progress", tok, body).Code)
	rr := f.do(t, http.MethodPost, "/videos/v1/progress", tok, body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")

	// the budget is per viewer, and reads are not limited
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/videos/v1/progress", token(t, "viewer-2", ""), body).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/videos/v1/progress", tok, "").Code)
}

func TestManifest(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "viewer-1", "")

	rr := f.do(t, http.MethodGet, "/videos/v1/manifest", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body manifestBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.NotNil(t, body.ManifestURL)
	require.Equal(t, "https://cdn.example.com/v1/master.m3u8", *body.ManifestURL)
	require.Equal(t, "completed", body.ProcessingStatus)
	require.NotNil(t, body.UploadedAt)

	rr = f.do(t, http.MethodGet, "/videos/v2/manifest", tok, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"manifestUrl":null`)
	require.Contains(t, rr.Body.String(), `"processingStatus":"processing"`)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/videos/v9/manifest", tok, "").Code)
}

func TestManifest_Signed(t *testing.T) {
	signer := signing.New("hmac-secret")
	f := newFixture(t, func(o *Options) {
		o.Signer = signer
		o.ProxyBase = "https://proxy.example.com/hls"
		o.SignTTL = time.Minute
	})
	rr := f.do(t, http.MethodGet, "/videos/v1/manifest", token(t, "viewer-1", ""), "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body manifestBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.NotNil(t, body.ManifestURL)

	u, err := url.Parse(*body.ManifestURL)
	require.NoError(t, err)
	require.Equal(t, "proxy.example.com", u.Host)
	raw, viewer, err := signer.VerifyQuery(u.Query())
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/v1/master.m3u8", raw)
	require.Equal(t, "viewer-1", viewer)
}

func TestAdminPutVideo(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"manifestUrl":"https://cdn.example.com/v3/master.m3u8","processingStatus":"completed","uploadedAt":"2026-10-02T00:00:00Z"}`

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPut, "/admin/videos/v3", token(t, "viewer-1", ""), body).Code)

	admin := token(t, "ops", auth.RoleAdmin)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/admin/videos/v3", admin, body).Code)
	v, err := f.catalog.GetVideo(context.Background(), "v3")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, v.ProcessingStatus)
	require.True(t, v.UploadedAt.Equal(time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)))

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/admin/videos/v4", admin, `{"processingStatus":"transcoding"}`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/admin/videos/v4", admin, `{"processingStatus":"completed"}`).Code)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/admin/videos/v4", admin, `{"manifestUrl":null,"processingStatus":"processing"}`).Code)
}
