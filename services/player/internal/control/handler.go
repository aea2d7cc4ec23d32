// Package control exposes the playback session over a local HTTP API.
package control

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/api"
	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/services/player/internal/session"
)

// Session is the part of session.Controller driven over HTTP.
type Session interface {
	Activate(ctx context.Context, v session.Video) error
	Deactivate(ctx context.Context) error
	SetActive(ctx context.Context, active bool) error
	ResetTimer(ctx context.Context) error
	ForceContinue(ctx context.Context) error
	SaveProgress(ctx context.Context, force bool) error
	Status() session.Status
}

var _ Session = (*session.Controller)(nil)

type Handler struct {
	sess Session
	log  *zap.Logger
}

func New(sess Session, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sess: sess, log: log}
}

// Router builds the control API with the platform middlewares.
func (h *Handler) Router(ready func() error) chi.Router {
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: ready})
	r.Handle("/metrics", promhttp.Handler())
	h.Routes(r)
	return r
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", h.status)
		r.Post("/activate", h.activate)
		r.Post("/deactivate", h.simple(h.sess.Deactivate))
		r.Post("/active", h.setActive)
		r.Post("/reset", h.simple(h.sess.ResetTimer))
		r.Post("/continue", h.simple(h.sess.ForceContinue))
		r.Post("/save", h.save)
	})
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.sess.Status())
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	var v session.Video
	if err := api.DecodeJSON(w, r, &v); err != nil {
		api.InvalidJSON(w, "", rid)
		return
	}
	if err := h.sess.Activate(r.Context(), v); err != nil {
		h.fail(w, r, "activate", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.sess.Status())
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	var req activeRequest
	if err := api.DecodeJSON(w, r, &req); err != nil || req.Active == nil {
		api.InvalidJSON(w, `body must be {"active": bool}`, rid)
		return
	}
	if err := h.sess.SetActive(r.Context(), *req.Active); err != nil {
		h.fail(w, r, "set active", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.sess.Status())
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			api.BadRequest(w, "INVALID_FORCE", "force must be a boolean", rid, nil)
			return
		}
		force = v
	}
	if err := h.sess.SaveProgress(r.Context(), force); err != nil {
		h.fail(w, r, "save progress", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) simple(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			h.fail(w, r, r.URL.Path, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, h.sess.Status())
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, session.ErrMissingID), errors.Is(err, session.ErrMissingURL):
		api.BadRequest(w, "INVALID_VIDEO", err.Error(), rid, nil)
	case errors.Is(err, session.ErrNoVideo):
		api.Conflict(w, "NO_VIDEO", "no video is active", rid, nil)
	case errors.Is(err, session.ErrClosed):
		api.Unavailable(w, "SESSION_CLOSED", "session is closed", rid)
	default:
		h.log.Error(op+" failed", zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
	}
}
