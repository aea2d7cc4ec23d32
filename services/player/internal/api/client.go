// Package api is the HTTP client for the progress store and manifest
// resolver endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/services/player/internal/progress"
	"github.com/example/watch-platform/services/player/internal/stream"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBody        = 1 << 20
	userAgent      = "watch-platform-player/1.0"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

// Client implements progress.Store and stream.Resolver over REST. It does
// not retry: callers retry on their own cadence.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	CB         *gobreaker.CircuitBreaker
	Log        *zap.Logger

	token    string
	manifest singleflight.Group
}

var (
	_ progress.Store  = (*Client)(nil)
	_ stream.Resolver = (*Client)(nil)
)

type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type progressBody struct {
	LastPosition float64 `json:"lastPosition"`
	WatchTime    int     `json:"watchTime"`
	Completed    bool    `json:"completed"`
}

type manifestBody struct {
	ManifestURL      *string    `json:"manifestUrl"`
	ProcessingStatus string     `json:"processingStatus"`
	UploadedAt       *time.Time `json:"uploadedAt,omitempty"`
}

// Get returns progress.ErrNotFound when nothing was saved for videoID.
func (c *Client) Get(ctx context.Context, videoID string) (progress.Progress, error) {
	var body progressBody
	err := c.call(ctx, http.MethodGet, videoPath(videoID, "progress"), nil, &body)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return progress.Progress{}, progress.ErrNotFound
	}
	if err != nil {
		return progress.Progress{}, err
	}
	return progress.Progress{Position: body.LastPosition, WatchTime: body.WatchTime, Completed: body.Completed}, nil
}

func (c *Client) Save(ctx context.Context, videoID string, p progress.Progress) error {
	in := progressBody{LastPosition: p.Position, WatchTime: p.WatchTime, Completed: p.Completed}
	return c.call(ctx, http.MethodPost, videoPath(videoID, "progress"), in, nil)
}

// Manifest resolves the stream descriptor. Concurrent lookups for the same
// video share one request.
func (c *Client) Manifest(ctx context.Context, videoID string) (stream.Descriptor, error) {
	ch := c.manifest.DoChan(videoID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
		defer cancel()
		var body manifestBody
		if err := c.call(fctx, http.MethodGet, videoPath(videoID, "manifest"), nil, &body); err != nil {
			return stream.Descriptor{}, err
		}
		return toDescriptor(body), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return stream.Descriptor{}, res.Err
		}
		return res.Val.(stream.Descriptor), nil
	case <-ctx.Done():
		return stream.Descriptor{}, ctx.Err()
	}
}

func toDescriptor(b manifestBody) stream.Descriptor {
	d := stream.Descriptor{ProcessingStatus: stream.StatusUnknown}
	if b.ManifestURL != nil {
		d.ManifestURL = *b.ManifestURL
	}
	switch s := stream.Status(b.ProcessingStatus); s {
	case stream.StatusProcessing, stream.StatusCompleted, stream.StatusFailed:
		d.ProcessingStatus = s
	}
	if b.UploadedAt != nil {
		d.UploadedAt = *b.UploadedAt
	}
	return d
}

func videoPath(videoID, resource string) string {
	return "/videos/" + url.PathEscape(videoID) + "/" + resource
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	if c.CB == nil {
		return c.do(ctx, method, path, in, out)
	}
	_, err := c.CB.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, in, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rid := httpserver.RequestIDFromContext(ctx)
	if rid == "" {
		rid = uuid.NewString()
	}
	req.Header.Set(httpserver.RequestIDHeader, rid)

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	c.Log.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", rid),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(b[:min(len(b), 200)])}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("api: decode %s: %w body=%q", path, err, string(b[:min(len(b), 200)]))
	}
	return nil
}
