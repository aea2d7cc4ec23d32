package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	observeTimePos  = 1
	observeDuration = 2

	maxIPCLine = 1 << 20
)

// MPVOptions configures an MPV surface.
type MPVOptions struct {
	Logger *zap.Logger
	// NativeAdaptive reports manifest URLs as directly playable. mpv plays
	// HLS through its demuxer but pins a single variant.
	NativeAdaptive bool
}

// MPV drives an mpv process over its JSON IPC socket.
type MPV struct {
	subs   Subscribers
	conn   net.Conn
	log    *zap.Logger
	native bool

	wmu sync.Mutex // serializes writes to conn

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan ipcReply
	hasSource bool
	loaded    bool
	seekTo    *float64
	time      float64
	duration  float64
	closed    bool

	qmu    sync.Mutex
	queue  []Event
	notify chan struct{}

	done chan struct{}
}

var _ Surface = (*MPV)(nil)

type ipcRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type ipcReply struct {
	Error string
	Data  json.RawMessage
}

type ipcMessage struct {
	RequestID *int64          `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
	FileError string          `json:"file_error"`
}

// DialMPV connects to the IPC socket of a running mpv.
func DialMPV(ctx context.Context, socketPath string, opts MPVOptions) (*MPV, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial mpv ipc %s: %w", socketPath, err)
	}
	m := NewMPV(conn, opts)
	if err := m.observe(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// NewMPV wraps an established IPC connection. Callers that do not use
// DialMPV must not expect time updates until properties are observed, which
// DialMPV does.
func NewMPV(conn net.Conn, opts MPVOptions) *MPV {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &MPV{
		conn:    conn,
		log:     log.With(zap.String("component", "mpv")),
		native:  opts.NativeAdaptive,
		pending: make(map[int64]chan ipcReply),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	go m.dispatchLoop()
	return m
}

// StartMPV launches an idle mpv bound to socketPath and waits for its IPC
// socket. The process is killed when ctx is cancelled.
func StartMPV(ctx context.Context, binary, socketPath string, args ...string) (*exec.Cmd, error) {
	if binary == "" {
		binary = "mpv"
	}
	_ = os.Remove(socketPath)
	argv := append([]string{
		"--idle=yes",
		"--no-terminal",
		"--input-ipc-server=" + socketPath,
	}, args...)
	cmd := exec.CommandContext(ctx, binary, argv...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return nil, ctx.Err()
		case <-deadline.C:
			_ = cmd.Process.Kill()
			return nil, errors.New("mpv ipc socket did not appear")
		case <-tick.C:
		}
	}
}

func (m *MPV) observe(ctx context.Context) error {
	if err := m.command(ctx, "observe_property", observeTimePos, "time-pos"); err != nil {
		return err
	}
	return m.command(ctx, "observe_property", observeDuration, "duration")
}

func (m *MPV) SetSource(ctx context.Context, src Source) error {
	m.mu.Lock()
	m.hasSource = true
	m.loaded = false
	m.seekTo = nil
	m.time, m.duration = 0, 0
	m.mu.Unlock()
	return m.command(ctx, "loadfile", src.URL, "replace")
}

func (m *MPV) ClearSource(ctx context.Context) error {
	m.mu.Lock()
	m.hasSource = false
	m.loaded = false
	m.seekTo = nil
	m.time, m.duration = 0, 0
	m.mu.Unlock()
	return m.command(ctx, "stop")
}

func (m *MPV) Play(ctx context.Context) error {
	return m.command(ctx, "set_property", "pause", false)
}

func (m *MPV) Pause(ctx context.Context) error {
	return m.command(ctx, "set_property", "pause", true)
}

func (m *MPV) SetMuted(ctx context.Context, muted bool) error {
	return m.command(ctx, "set_property", "mute", muted)
}

// Seek moves playback to seconds. Before the loaded file is ready the seek
// is held and applied once mpv reports file-loaded.
func (m *MPV) Seek(ctx context.Context, seconds float64) error {
	m.mu.Lock()
	if !m.hasSource {
		m.mu.Unlock()
		return ErrNoSource
	}
	if !m.loaded {
		m.seekTo = &seconds
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.command(ctx, "seek", seconds, "absolute")
}

// SetReadahead bounds the demuxer cache ahead of the playhead.
func (m *MPV) SetReadahead(ctx context.Context, seconds float64) error {
	return m.command(ctx, "set_property", "demuxer-readahead-secs", seconds)
}

func (m *MPV) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.time
}

func (m *MPV) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *MPV) Subscribe(fn func(Event)) func() { return m.subs.Add(fn) }

func (m *MPV) SupportsNativeAdaptive() bool { return m.native }

// Done is closed once the IPC connection is gone, whether through Close or
// because mpv exited.
func (m *MPV) Done() <-chan struct{} { return m.done }

// Close closes the IPC connection and waits for the reader to stop.
func (m *MPV) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	err := m.conn.Close()
	<-m.done
	return err
}

func (m *MPV) command(ctx context.Context, args ...any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.nextID++
	id := m.nextID
	ch := make(chan ipcReply, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	line, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		return err
	}
	m.wmu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = m.conn.SetWriteDeadline(dl)
	} else {
		_ = m.conn.SetWriteDeadline(time.Time{})
	}
	_, err = m.conn.Write(append(line, '\n'))
	m.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("mpv %v: %w", args[0], err)
	}

	select {
	case r := <-ch:
		if r.Error != "" && r.Error != "success" {
			return fmt.Errorf("mpv %v: %s", args[0], r.Error)
		}
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MPV) readLoop() {
	defer close(m.done)
	sc := bufio.NewScanner(m.conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxIPCLine)
	for sc.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			m.log.Debug("skipping malformed ipc line", zap.Error(err))
			continue
		}
		if msg.RequestID != nil && msg.Event == "" {
			m.mu.Lock()
			ch := m.pending[*msg.RequestID]
			m.mu.Unlock()
			if ch != nil {
				ch <- ipcReply{Error: msg.Error, Data: msg.Data}
			}
			continue
		}
		m.handleEvent(msg)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Warn("mpv ipc read failed", zap.Error(err))
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *MPV) handleEvent(msg ipcMessage) {
	switch msg.Event {
	case "property-change":
		var v *float64
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &v)
		}
		if v == nil {
			return
		}
		m.mu.Lock()
		switch msg.ID {
		case observeTimePos:
			m.time = *v
		case observeDuration:
			m.duration = *v
		}
		t, d := m.time, m.duration
		m.mu.Unlock()
		if msg.ID == observeTimePos {
			m.enqueue(Event{Type: EventTimeUpdate, Time: t, Duration: d})
		}

	case "file-loaded":
		m.mu.Lock()
		m.loaded = true
		seek := m.seekTo
		m.seekTo = nil
		d := m.duration
		m.mu.Unlock()
		if seek != nil {
			go func(pos float64) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := m.command(ctx, "seek", pos, "absolute"); err != nil {
					m.log.Warn("deferred seek failed", zap.Float64("position", pos), zap.Error(err))
				}
			}(*seek)
		}
		m.enqueue(Event{Type: EventLoaded, Duration: d})

	case "end-file":
		switch msg.Reason {
		case "eof":
			m.enqueue(Event{Type: EventEnded, Time: m.CurrentTime(), Duration: m.Duration()})
		case "error":
			m.enqueue(Event{Type: EventError, Err: fmt.Errorf("mpv playback: %s", msg.FileError)})
		}
	}
}

// enqueue hands an event to the dispatcher. Subscribers may issue commands,
// which need the reader free to deliver replies.
func (m *MPV) enqueue(ev Event) {
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MPV) dispatchLoop() {
	for {
		select {
		case <-m.notify:
		case <-m.done:
			return
		}
		for {
			m.qmu.Lock()
			if len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.qmu.Unlock()
			m.subs.Emit(ev)
		}
	}
}
