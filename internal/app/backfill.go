package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"oracle-sentinel/internal/detection"
)

// Backfill replays stored prices through a fresh detection engine per feed
// and records the detections the live service would have raised.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from, to := opts.From.UTC(), opts.To.UTC()
	if !from.Before(to) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回填")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	}

	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = a.Config.NormalizedSymbols()
	}

	var keys []detection.FeedKey
	for _, symbol := range symbols {
		latest, err := store.LatestPrices(ctx, strings.ToUpper(symbol), from)
		if err != nil {
			return err
		}
		for _, rec := range latest {
			keys = append(keys, detection.FeedKey{Protocol: rec.Protocol, Chain: rec.Chain, Symbol: rec.Symbol})
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var emitted, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range keys {
		g.Go(func() error {
			history, err := store.ObservationHistory(gctx, key, from)
			if err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Str("feed", key.String()).Msg("回填失败")
				return nil
			}
			detections, err := a.replayFeed(key, history, to)
			if err != nil {
				return err
			}
			emitted.Add(int32(len(detections)))

			for _, d := range detections {
				a.Logger.Info().Str("feed", d.FeedKey).
					Time("detected_at", d.DetectedAt).
					Str("type", string(d.Type)).
					Str("severity", string(d.Severity)).
					Msg("replayed detection")
				if opts.DryRun {
					continue
				}
				if err := store.InsertDetection(gctx, d); err != nil {
					failed.Add(1)
					a.Logger.Error().Err(err).Str("id", d.ID).Msg("failed to persist replayed detection")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int("feeds", len(keys)).Int32("detections", emitted.Load()).Int32("failed", failed.Load()).Msg("回填完成")
	if failed.Load() > 0 {
		return errors.New("部分 feed 回填失败，请检查日志")
	}
	return nil
}

// replayFeed evaluates observations older than to in time order. The engine
// clock follows the observation timestamps so cooldowns behave as live.
func (a *App) replayFeed(key detection.FeedKey, history []detection.PriceObservation, to time.Time) ([]detection.Detection, error) {
	sorted := append([]detection.PriceObservation(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var clock time.Time
	engine, err := a.newDetector(detection.WithClock(func() time.Time { return clock }))
	if err != nil {
		return nil, err
	}

	var out []detection.Detection
	for _, obs := range sorted {
		if !obs.Timestamp.Before(to) {
			break
		}
		clock = obs.Timestamp
		res := engine.Evaluate(detection.FeedUpdate{Key: key, Price: obs})
		if res.Detection != nil {
			out = append(out, *res.Detection)
		}
	}
	return out, nil
}
