// Package handlers serves the progress and manifest API used by players.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/api"
	"github.com/example/watch-platform/internal/platform/auth"
	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/internal/platform/signing"
	"github.com/example/watch-platform/services/progress/internal/events"
	"github.com/example/watch-platform/services/progress/internal/store"
)

type Options struct {
	Progress store.ProgressRepository
	Catalog  store.CatalogRepository
	Events   *events.Publisher
	Limiter  *ViewerLimiter
	Logger   *zap.Logger

	// Signer is optional. When set, manifest URLs are wrapped under ProxyBase.
	Signer    *signing.Signer
	ProxyBase string
	SignTTL   time.Duration
}

type Handler struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SignTTL <= 0 {
		opts.SignTTL = 6 * time.Hour
	}
	return &Handler{opts: opts, log: log}
}

// Routes registers the viewer API and the admin catalog route behind JWT auth.
func (h *Handler) Routes(r chi.Router, verifier auth.JWTVerifier) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.Get("/videos/{id}/progress", h.getProgress)
		if h.opts.Limiter != nil {
			r.With(h.opts.Limiter.middleware).Post("/videos/{id}/progress", h.saveProgress)
		} else {
			r.Post("/videos/{id}/progress", h.saveProgress)
		}
		r.Get("/videos/{id}/manifest", h.getManifest)
		r.With(auth.RequireAdmin).Put("/admin/videos/{id}", h.putVideo)
	})
}

type progressBody struct {
	LastPosition float64    `json:"lastPosition"`
	WatchTime    int        `json:"watchTime"`
	Completed    bool       `json:"completed"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

func toBody(p store.Progress) progressBody {
	b := progressBody{LastPosition: p.LastPosition, WatchTime: p.WatchTime, Completed: p.Completed}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt.UTC()
		b.UpdatedAt = &t
	}
	return b
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	viewerID, _ := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")

	p, err := h.opts.Progress.Get(r.Context(), viewerID, videoID)
	if errors.Is(err, store.ErrNotFound) {
		api.NotFound(w, "NO_PROGRESS", "no progress saved for this video", rid)
		return
	}
	if err != nil {
		h.log.Error("get progress", zap.String("video_id", videoID), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, toBody(p))
}

func (h *Handler) saveProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	viewerID, _ := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")

	var in struct {
		LastPosition *float64 `json:"lastPosition"`
		WatchTime    int      `json:"watchTime"`
		Completed    bool     `json:"completed"`
	}
	if err := api.DecodeJSON(w, r, &in); err != nil {
		api.InvalidJSON(w, "", rid)
		return
	}
	if in.LastPosition == nil || *in.LastPosition < 0 || in.WatchTime < 0 {
		api.BadRequest(w, "INVALID_PROGRESS", "lastPosition and watchTime must be non-negative", rid, nil)
		return
	}

	out, err := h.opts.Progress.Upsert(r.Context(), store.Progress{
		ViewerID:     viewerID,
		VideoID:      videoID,
		LastPosition: *in.LastPosition,
		WatchTime:    in.WatchTime,
		Completed:    in.Completed,
	})
	if err != nil {
		h.log.Error("save progress", zap.String("video_id", videoID), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	h.opts.Events.Progress(viewerID, videoID, out.LastPosition, out.WatchTime, out.Completed)
	api.WriteJSON(w, http.StatusOK, toBody(out))
}

type manifestBody struct {
	ManifestURL      *string    `json:"manifestUrl"`
	ProcessingStatus string     `json:"processingStatus"`
	UploadedAt       *time.Time `json:"uploadedAt,omitempty"`
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	viewerID, _ := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")

	v, err := h.opts.Catalog.GetVideo(r.Context(), videoID)
	if errors.Is(err, store.ErrNotFound) {
		api.NotFound(w, "VIDEO_NOT_FOUND", "video not found", rid)
		return
	}
	if err != nil {
		h.log.Error("get video", zap.String("video_id", videoID), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
		return
	}

	out := manifestBody{ProcessingStatus: string(v.ProcessingStatus)}
	if !v.UploadedAt.IsZero() {
		t := v.UploadedAt.UTC()
		out.UploadedAt = &t
	}
	if v.ProcessingStatus == store.StatusCompleted && v.ManifestURL != "" {
		u := v.ManifestURL
		if h.opts.Signer != nil {
			signed, err := h.opts.Signer.SignURL(h.opts.ProxyBase, u, viewerID, h.opts.SignTTL)
			if err != nil {
				h.log.Error("sign manifest url", zap.String("video_id", videoID), zap.Error(err))
				api.Internal(w, rid)
				return
			}
			u = signed
		}
		out.ManifestURL = &u
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) putVideo(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")

	var in manifestBody
	if err := api.DecodeJSON(w, r, &in); err != nil {
		api.InvalidJSON(w, "", rid)
		return
	}
	status := store.ProcessingStatus(strings.ToLower(strings.TrimSpace(in.ProcessingStatus)))
	if !status.Valid() {
		api.BadRequest(w, "INVALID_STATUS", "processingStatus must be processing, completed or failed", rid,
			map[string]any{"processingStatus": in.ProcessingStatus})
		return
	}
	v := store.Video{ID: videoID, ProcessingStatus: status}
	if in.ManifestURL != nil {
		v.ManifestURL = strings.TrimSpace(*in.ManifestURL)
	}
	if status == store.StatusCompleted && v.ManifestURL == "" {
		api.BadRequest(w, "MISSING_MANIFEST", "completed videos need a manifestUrl", rid, nil)
		return
	}
	if in.UploadedAt != nil {
		v.UploadedAt = *in.UploadedAt
	}
	if err := h.opts.Catalog.PutVideo(r.Context(), v); err != nil {
		h.log.Error("put video", zap.String("video_id", videoID), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
