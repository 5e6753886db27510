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
	CatalogPeriod = 300 * time.Second
	BatchSize     = 30

	// Batches mixing five and six digit ids fail upstream, and the ids
	// between these two were never published. A cursor strictly inside the
	// range skips straight to GapHigh.
	GapLow  = 99_900
	GapHigh = 100_000
)

type CatalogConfig struct {
	Period    time.Duration
	Pause     time.Duration
	BatchSize int
	// Where the main cursor starts when it does not exist yet.
	CursorDefault int64
}

// CatalogLoop advances the main cursor over every id the catalog has
// published.
type CatalogLoop struct {
	cfg     CatalogConfig
	catalog catalog
	repo    store
	limiter *rate.Limiter
}

func NewCatalogLoop(cfg CatalogConfig, c catalog, repo store) *CatalogLoop {
	if cfg.Period == 0 {
		cfg.Period = CatalogPeriod
	}
	if cfg.Pause == 0 {
		cfg.Pause = Pause
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = BatchSize
	}

	return &CatalogLoop{
		cfg:     cfg,
		catalog: c,
		repo:    repo,
		limiter: newLimiter(cfg.Pause),
	}
}

func (l *CatalogLoop) Run(ctx context.Context) error {
	ctx = logger.Ctx(ctx, slog.String("loop", "catalog"))
	return loop.Every(ctx, "catalog", l.cfg.Period, l.Iterate)
}

// Iterate scrapes everything between the cursor and the newest id. The
// cursor is persisted after each batch, so an error keeps the batches that
// already landed.
func (l *CatalogLoop) Iterate(ctx context.Context) error {
	cur, err := l.repo.Cursor(ctx, pitlane.CursorMain, l.cfg.CursorDefault)
	if err != nil {
		return fmt.Errorf("error getting cursor: %w", err)
	}

	latest, err := l.catalog.LatestTrackID(ctx)
	if err != nil {
		return fmt.Errorf("error getting latest track id: %w", err)
	}

	pos, scraped := cur.Position, 0
	for pos < latest {
		if pos > GapLow && pos < GapHigh {
			slog.InfoContext(ctx, "skipping id gap", "from", pos, "to", GapHigh)
			if err := l.advance(ctx, GapHigh); err != nil {
				return err
			}
			pos = GapHigh
			continue
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		last := min(pos+int64(l.cfg.BatchSize), latest)
		ids := make([]int64, 0, last-pos)
		for id := pos + 1; id <= last; id++ {
			ids = append(ids, id)
		}

		tracks, err := l.catalog.Tracks(ctx, ids)
		if err != nil {
			return err
		}
		if err := l.repo.UpsertTracks(ctx, tracks); err != nil {
			return fmt.Errorf("error saving batch %d..%d: %w", ids[0], last, err)
		}
		metrics.TracksUpsertedTotal.WithLabelValues("catalog").Add(float64(len(tracks)))

		if err := l.advance(ctx, last); err != nil {
			return err
		}
		pos = last
		scraped += len(tracks)
	}

	slog.InfoContext(ctx, "catalog scraped", "cursor", pos, "latest", latest, "tracks", scraped)

	return nil
}

func (l *CatalogLoop) advance(ctx context.Context, pos int64) error {
	if err := l.repo.SetCursor(ctx, pitlane.CursorMain, pos); err != nil {
		return fmt.Errorf("error saving cursor: %w", err)
	}
	metrics.CursorPosition.WithLabelValues(pitlane.CursorMain).Set(float64(pos))

	return nil
}
