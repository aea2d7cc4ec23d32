// Package events publishes progress writes to NATS JetStream for downstream
// activity consumers.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/analytics"
	"github.com/example/watch-platform/internal/platform/natsconn"
)

const (
	SubjectProgress = "activity.progress"
	StreamName      = "ACTIVITY"
)

// ProgressEvent is the payload published on SubjectProgress.
type ProgressEvent struct {
	EventID      string    `json:"event_id"`
	ViewerID     string    `json:"viewer_id"`
	VideoID      string    `json:"video_id"`
	LastPosition float64   `json:"last_position"`
	WatchTime    int       `json:"watch_time"`
	Completed    bool      `json:"completed"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher is fire-and-forget. A nil js makes it a no-op stub.
type Publisher struct {
	js  analytics.AsyncPublisher
	log *zap.Logger
	now func() time.Time
}

func New(js analytics.AsyncPublisher, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log, now: time.Now}
}

// Ensure creates the ACTIVITY stream if it does not exist.
func Ensure(js natsconn.StreamManager) error {
	return natsconn.EnsureStream(js, StreamName, "activity.>")
}

func (p *Publisher) Progress(viewerID, videoID string, position float64, watchTime int, completed bool) {
	if p == nil || p.js == nil {
		return
	}
	ev := ProgressEvent{
		EventID:      uuid.NewString(),
		ViewerID:     viewerID,
		VideoID:      videoID,
		LastPosition: position,
		WatchTime:    watchTime,
		Completed:    completed,
		OccurredAt:   p.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("progress event: marshal failed", zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(SubjectProgress, data); err != nil {
		p.log.Warn("progress event: publish failed", zap.String("subject", SubjectProgress), zap.Error(err))
	}
}
