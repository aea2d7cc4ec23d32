package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/config"
	"github.com/example/watch-platform/internal/platform/logging"
	playerconfig "github.com/example/watch-platform/services/player/internal/config"
)

type globals struct {
	app    config.AppConfig
	player playerconfig.Config
	log    *zap.Logger

	logLevel string
	viewerID string
	redisDSN string
	sqlite   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "player",
		Short: "Headless playback agent with resume tracking and watch budgets",
		Long: `player hosts one playback session against an mpv surface.

Configuration is read from the environment and may be overridden by flags:
  PLAYER_VIEWER_ID   - viewer the session belongs to (required)
  PLAYER_API_URL     - progress and manifest API base URL
  PLAYER_API_TOKEN   - bearer token; minted from JWT_SECRET when empty
  KV_REDIS_DSN       - durable watch-budget ledger in Redis
  KV_SQLITE_PATH     - durable watch-budget ledger in a SQLite file
  WATCH_BUDGET       - per-video watch budget (default 3h)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if g.log != nil {
				_ = g.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	pf.StringVar(&g.viewerID, "viewer", "", "viewer id; overrides PLAYER_VIEWER_ID")
	pf.StringVar(&g.redisDSN, "kv-redis", "", "redis DSN for the budget ledger; overrides KV_REDIS_DSN")
	pf.StringVar(&g.sqlite, "kv-sqlite", "", "sqlite file for the budget ledger; overrides KV_SQLITE_PATH")

	root.AddCommand(newPlayCmd(g), newLedgerCmd(g))
	return root
}

func (g *globals) init(cmd *cobra.Command) error {
	app, err := config.Load("player")
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		app.LogLevel = g.logLevel
	}
	g.app = app

	g.player = playerconfig.Load(app.Production)
	if g.viewerID != "" {
		g.player.ViewerID = g.viewerID
	}
	if g.redisDSN != "" {
		g.player.KV.RedisDSN = g.redisDSN
	}
	if g.sqlite != "" {
		g.player.KV.SQLitePath = g.sqlite
	}

	log, err := logging.New(app.ServiceName, app.LogLevel)
	if err != nil {
		return err
	}
	g.log = log
	return nil
}
