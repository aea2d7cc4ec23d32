package budget

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/watch-platform/internal/platform/kv"
)

const keyPrefix = "watch_budget"

// Keys returns the accumulator and anchor keys of one viewer/video ledger.
func Keys(viewerID, videoID string) (accumulated, anchor string) {
	base := keyPrefix + ":" + viewerID + ":" + videoID + ":"
	return base + "accumulated_ms", base + "anchor_ms"
}

// ledgerStore maps a Ledger onto its pair of kv keys.
type ledgerStore struct {
	kv kv.Store
}

func (s ledgerStore) load(ctx context.Context, viewerID, videoID string) (Ledger, error) {
	accKey, anchorKey := Keys(viewerID, videoID)
	var l Ledger

	acc, ok, err := s.kv.Get(ctx, accKey)
	if err != nil {
		return Ledger{}, err
	}
	if ok {
		if l.AccumulatedMs, err = parseMs(acc); err != nil {
			return Ledger{}, fmt.Errorf("%s: %w", accKey, err)
		}
	}

	anchor, ok, err := s.kv.Get(ctx, anchorKey)
	if err != nil {
		return Ledger{}, err
	}
	if ok {
		if l.AnchorMs, err = parseMs(anchor); err != nil {
			return Ledger{}, fmt.Errorf("%s: %w", anchorKey, err)
		}
	}
	return l, nil
}

func (s ledgerStore) save(ctx context.Context, viewerID, videoID string, l Ledger) error {
	accKey, anchorKey := Keys(viewerID, videoID)
	if err := s.kv.Set(ctx, accKey, strconv.FormatInt(l.AccumulatedMs, 10)); err != nil {
		return err
	}
	if l.AnchorMs == 0 {
		return s.kv.Delete(ctx, anchorKey)
	}
	return s.kv.Set(ctx, anchorKey, strconv.FormatInt(l.AnchorMs, 10))
}

func (s ledgerStore) delete(ctx context.Context, viewerID, videoID string) error {
	accKey, anchorKey := Keys(viewerID, videoID)
	return s.kv.Delete(ctx, accKey, anchorKey)
}

// DeleteLedger removes a stored ledger without loading it.
func DeleteLedger(ctx context.Context, store kv.Store, viewerID, videoID string) error {
	return ledgerStore{kv: store}.delete(ctx, viewerID, videoID)
}

// LoadLedger reads a stored ledger.
func LoadLedger(ctx context.Context, store kv.Store, viewerID, videoID string) (Ledger, error) {
	return ledgerStore{kv: store}.load(ctx, viewerID, videoID)
}

func parseMs(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
