package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/kv"
	"github.com/example/watch-platform/services/player/internal/budget"
)

func newLedgerCmd(g *globals) *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or reset durable watch-budget ledgers",
	}

	var videoID string
	open := func() (kv.Store, error) {
		if g.player.ViewerID == "" {
			return nil, errors.New("--viewer or PLAYER_VIEWER_ID is required")
		}
		if videoID == "" {
			return nil, errors.New("--video is required")
		}
		return kv.NewStore(g.player.KV)
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the ledger of one video",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			l, err := budget.LoadLedger(cmd.Context(), store, g.player.ViewerID, videoID)
			if err != nil {
				return err
			}
			anchor := "-"
			if l.AnchorMs > 0 {
				anchor = time.UnixMilli(l.AnchorMs).UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "viewer=%s video=%s accumulated=%s anchor=%s backend=%s\n",
				g.player.ViewerID, videoID, time.Duration(l.AccumulatedMs)*time.Millisecond, anchor, g.player.KV.Backend())
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete the ledger of one video so the full budget is available again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := budget.DeleteLedger(cmd.Context(), store, g.player.ViewerID, videoID); err != nil {
				return err
			}
			g.log.Info("watch budget ledger reset",
				zap.String("viewer_id", g.player.ViewerID),
				zap.String("video_id", videoID),
				zap.String("backend", g.player.KV.Backend()))
			return nil
		},
	}

	for _, c := range []*cobra.Command{show, reset} {
		c.Flags().StringVar(&videoID, "video", "", "video id")
		_ = c.MarkFlagRequired("video")
	}
	ledger.AddCommand(show, reset)
	return ledger
}
