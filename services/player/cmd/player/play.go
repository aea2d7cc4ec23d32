package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/watch-platform/internal/platform/analytics"
	"github.com/example/watch-platform/internal/platform/auth"
	"github.com/example/watch-platform/internal/platform/config"
	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/internal/platform/kv"
	"github.com/example/watch-platform/internal/platform/natsconn"
	"github.com/example/watch-platform/internal/platform/run"
	"github.com/example/watch-platform/services/player/internal/api"
	"github.com/example/watch-platform/services/player/internal/budget"
	"github.com/example/watch-platform/services/player/internal/control"
	"github.com/example/watch-platform/services/player/internal/hlsengine"
	"github.com/example/watch-platform/services/player/internal/media"
	"github.com/example/watch-platform/services/player/internal/session"
	"github.com/example/watch-platform/services/player/internal/stream"
)

type playFlags struct {
	controlAddr string
	apiURL      string
	mpvSocket   string
	noSpawn     bool
	videoID     string
	videoURL    string
}

func newPlayCmd(g *globals) *cobra.Command {
	f := &playFlags{}
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run the playback agent and its control API",
		Example: `  # spawn mpv and start playing a video right away
  PLAYER_VIEWER_ID=viewer-1 player play --video v1 --url https://cdn.example.com/v1.mp4

  # attach to an mpv started with --input-ipc-server
  player play --viewer viewer-1 --no-spawn --mpv-socket /run/mpv.sock`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlay(cmd, g, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.controlAddr, "control-addr", config.Env("HTTP_ADDR", "127.0.0.1:7070"), "control API listen address")
	fl.StringVar(&f.apiURL, "api-url", "", "progress API base URL; overrides PLAYER_API_URL")
	fl.StringVar(&f.mpvSocket, "mpv-socket", "", "mpv IPC socket path; overrides MPV_SOCKET")
	fl.BoolVar(&f.noSpawn, "no-spawn", false, "dial an already running mpv instead of starting one")
	fl.StringVar(&f.videoID, "video", "", "video to activate at start")
	fl.StringVar(&f.videoURL, "url", "", "progressive URL of --video")
	return cmd
}

func runPlay(cmd *cobra.Command, g *globals, f *playFlags) error {
	log := g.log
	pcfg := g.player
	if f.apiURL != "" {
		pcfg.APIURL = f.apiURL
	}
	if f.mpvSocket != "" {
		pcfg.MPV.Socket = f.mpvSocket
	}
	if f.noSpawn {
		pcfg.MPV.Spawn = false
	}
	if err := pcfg.Validate(); err != nil {
		return err
	}

	ledger, err := kv.NewStore(pcfg.KV)
	if err != nil {
		return fmt.Errorf("budget ledger store: %w", err)
	}
	defer ledger.Close()
	if pcfg.KV.Backend() == "memory" {
		log.Warn("no durable kv configured, watch budgets reset on restart (development only)")
	}

	token, err := pcfg.Token(func(subject string) (string, error) {
		return auth.Issuer{Secret: []byte(pcfg.JWTSecret)}.Issue(subject, "viewer")
	})
	if err != nil {
		return fmt.Errorf("mint api token: %w", err)
	}

	cb := api.NewBreaker("progress-api", api.BreakerConfig{
		MaxRequests:      1,
		Interval:         api.DefaultBreakerConfig().Interval,
		Timeout:          api.DefaultBreakerConfig().Timeout,
		FailureThreshold: pcfg.BreakerFailures,
	}, log)
	client := api.New(pcfg.APIURL,
		api.WithLogger(log),
		api.WithToken(token),
		api.WithCircuitBreaker(cb),
	)

	events, closeNATS := initAnalytics(log, g.app)
	defer closeNATS()

	procCtx, stopProc := context.WithCancel(context.Background())
	defer stopProc()
	surface, proc, err := openSurface(procCtx, pcfg.MPV.Binary, pcfg.MPV.Socket, pcfg.MPV.Spawn, pcfg.MPV.ExtraArgs, media.MPVOptions{
		Logger:         log,
		NativeAdaptive: pcfg.MPV.NativeAdaptive,
	})
	if err != nil {
		return err
	}
	defer surface.Close()

	engineCfg := stream.DefaultEngineConfig()
	engineCfg.MaxBufferSeconds = pcfg.MaxBufferSecs
	var factory stream.EngineFactory
	if pcfg.SoftwareEngine {
		factory = hlsengine.Factory()
	}
	ctrl, err := session.New(surface, client, client, ledger, session.Options{
		ViewerID:  pcfg.ViewerID,
		Autoplay:  pcfg.Autoplay,
		Logger:    log,
		Analytics: events,
		Budget:    budget.Options{Budget: pcfg.Budget, TickInterval: pcfg.BudgetTick},
		Stream:    stream.Options{Factory: factory, Engine: engineCfg},
	})
	if err != nil {
		return err
	}

	ready := func() error {
		select {
		case <-surface.Done():
			return errors.New("mpv disconnected")
		default:
		}
		if cb.State() == gobreaker.StateOpen {
			return errors.New("progress api circuit open")
		}
		return nil
	}
	srv := httpserver.New(httpserver.Options{
		Addr:        f.controlAddr,
		ServiceName: g.app.ServiceName,
		Logger:      log,
		Router:      control.New(ctrl, log).Router(ready),
	})

	if f.videoID != "" {
		if err := ctrl.Activate(cmd.Context(), session.Video{ID: f.videoID, ProgressiveURL: f.videoURL}); err != nil {
			return fmt.Errorf("activate %s: %w", f.videoID, err)
		}
	}

	log.Info("player started",
		zap.String("viewer_id", pcfg.ViewerID),
		zap.String("api_url", pcfg.APIURL),
		zap.String("kv_backend", pcfg.KV.Backend()),
		zap.Bool("software_engine", pcfg.SoftwareEngine),
		zap.Bool("native_adaptive", pcfg.MPV.NativeAdaptive),
	)

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(srv.Start)
		eg.Go(func() error {
			select {
			case <-surface.Done():
				return errors.New("mpv ipc connection closed")
			case <-ctx.Done():
				return nil
			}
		})
		if proc != nil {
			eg.Go(func() error {
				done := make(chan error, 1)
				go func() { done <- proc.Wait() }()
				select {
				case err := <-done:
					return fmt.Errorf("mpv exited: %w", err)
				case <-ctx.Done():
					return nil
				}
			})
		}
		eg.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
		return eg.Wait()
	})

	runner.Graceful(func(ctx context.Context) error {
		return errors.Join(ctrl.Close(ctx), srv.Shutdown(ctx))
	})
	log.Info("exit", zap.Int("code", code))
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}

// openSurface connects to mpv, spawning it first unless spawn is false.
func openSurface(ctx context.Context, binary, socket string, spawn bool, args []string, opts media.MPVOptions) (*media.MPV, *exec.Cmd, error) {
	var proc *exec.Cmd
	if spawn {
		p, err := media.StartMPV(ctx, binary, socket, args...)
		if err != nil {
			return nil, nil, err
		}
		proc = p
	}
	m, err := media.DialMPV(ctx, socket, opts)
	if err != nil {
		if proc != nil {
			_ = proc.Process.Kill()
		}
		return nil, nil, err
	}
	return m, proc, nil
}

// initAnalytics connects to NATS when NATS_URL is set. Without it, and outside
// production, playback events are dropped.
func initAnalytics(log *zap.Logger, app config.AppConfig) (*analytics.Publisher, func()) {
	opts, ok := natsconn.FromEnv()
	if !ok {
		log.Info("NATS_URL not set, playback analytics disabled")
		return analytics.New(nil, log), func() {}
	}
	opts.Name = app.ServiceName
	nc, err := natsconn.Connect(opts)
	if err != nil {
		log.Warn("NATS unavailable, playback analytics disabled", zap.Error(err))
		return analytics.New(nil, log), func() {}
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		log.Warn("jetstream unavailable, playback analytics disabled", zap.Error(err))
		return analytics.New(nil, log), func() {}
	}
	return analytics.New(js, log), func() { _ = nc.Drain() }
}
