package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdholdren/pitlane/internal/logger"
	"github.com/jdholdren/pitlane/internal/loop"
	"github.com/jdholdren/pitlane/internal/metrics"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

const (
	UpdatePeriod = 300 * time.Second
	// Lookback is how far back a fresh update cursor starts.
	Lookback = 24 * time.Hour
)

type UpdateConfig struct {
	Period   time.Duration
	Pause    time.Duration
	Lookback time.Duration
}

// UpdateLoop re-fetches tracks that changed upstream since its watermark.
type UpdateLoop struct {
	cfg     UpdateConfig
	catalog catalog
	repo    store
	limiter *rate.Limiter
	now     func() time.Time
}

func NewUpdateLoop(cfg UpdateConfig, c catalog, repo store) *UpdateLoop {
	if cfg.Period == 0 {
		cfg.Period = UpdatePeriod
	}
	if cfg.Pause == 0 {
		cfg.Pause = Pause
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = Lookback
	}

	return &UpdateLoop{
		cfg:     cfg,
		catalog: c,
		repo:    repo,
		limiter: newLimiter(cfg.Pause),
		now:     time.Now,
	}
}

func (l *UpdateLoop) Run(ctx context.Context) error {
	ctx = logger.Ctx(ctx, slog.String("loop", "updates"))
	return loop.Every(ctx, "updates", l.cfg.Period, l.Iterate)
}

// Iterate pages back through the update feed until it reaches the
// watermark, then moves the watermark to when the iteration began. Updates
// landing mid-scan are picked up by the next iteration.
func (l *UpdateLoop) Iterate(ctx context.Context) error {
	start := l.now()

	cur, err := l.repo.Cursor(ctx, pitlane.CursorUpdatedTracks, start.Add(-l.cfg.Lookback).Unix())
	if err != nil {
		return fmt.Errorf("error getting cursor: %w", err)
	}
	watermark := time.Unix(cur.Position, 0)

	updated := 0
	for page := 1; ; page++ {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		tracks, err := l.catalog.RecentlyUpdated(ctx, page)
		if err != nil {
			return err
		}
		if len(tracks) == 0 {
			slog.WarnContext(ctx, "update feed ran out before the watermark", "page", page, "watermark", watermark)
			break
		}

		if err := l.repo.UpsertTracks(ctx, tracks); err != nil {
			return fmt.Errorf("error saving update page %d: %w", page, err)
		}
		metrics.TracksUpsertedTotal.WithLabelValues("updates").Add(float64(len(tracks)))
		updated += len(tracks)

		o, ok := oldest(tracks)
		if !ok {
			slog.WarnContext(ctx, "update page has no usable update times", "page", page)
			continue
		}
		if !o.After(watermark) {
			break
		}
	}

	if err := l.repo.SetCursor(ctx, pitlane.CursorUpdatedTracks, start.Unix()); err != nil {
		return fmt.Errorf("error saving cursor: %w", err)
	}
	metrics.CursorPosition.WithLabelValues(pitlane.CursorUpdatedTracks).Set(float64(start.Unix()))

	slog.InfoContext(ctx, "updates scraped", "tracks", updated, "watermark", start)

	return nil
}

// oldest is the earliest update time on a page. Entries whose time did not
// parse are ignored; ok is false when none did.
func oldest(tracks []pitlane.Track) (o time.Time, ok bool) {
	for _, t := range tracks {
		if t.UpdatedAt.IsZero() {
			continue
		}
		if !ok || t.UpdatedAt.Before(o) {
			o, ok = t.UpdatedAt, true
		}
	}

	return o, ok
}
