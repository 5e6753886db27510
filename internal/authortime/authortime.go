// Package authortime tracks, per track, whether anyone has driven the
// author's own time yet.
package authortime

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
	Period = 60 * time.Second

	BatchSize    = 50
	DevBatchSize = 5

	// TopLength is how deep into a leaderboard beaters are looked for.
	TopLength = 100

	// Pause spaces out leaderboard requests.
	Pause = 800 * time.Millisecond
)

type leaderboard interface {
	LeaderboardTop(ctx context.Context, mapUID string, length int) ([]pitlane.LeaderboardEntry, error)
}

type Config struct {
	Period    time.Duration
	Pause     time.Duration
	BatchSize int
	Dev       bool
}

type Watcher struct {
	cfg     Config
	repo    pitlane.AuthorTimeRepo
	lb      leaderboard
	limiter *rate.Limiter
	now     func() time.Time
}

func NewWatcher(cfg Config, repo pitlane.AuthorTimeRepo, lb leaderboard) *Watcher {
	if cfg.Period == 0 {
		cfg.Period = Period
	}
	if cfg.Pause == 0 {
		cfg.Pause = Pause
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = BatchSize
		if cfg.Dev {
			cfg.BatchSize = DevBatchSize
		}
	}

	return &Watcher{
		cfg:     cfg,
		repo:    repo,
		lb:      lb,
		limiter: rate.NewLimiter(rate.Every(cfg.Pause), 1),
		now:     time.Now,
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	ctx = logger.Ctx(ctx, slog.String("loop", "authortime"))
	return loop.Every(ctx, "authortime", w.cfg.Period, w.Check)
}

// Check runs one pass: statuses are created for up to a batch of new tracks,
// then a batch of the least recently checked unresolved tracks is looked at.
func (w *Watcher) Check(ctx context.Context) error {
	created, err := w.repo.BackfillAuthorTimeStatuses(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	checks, err := w.repo.TracksToCheck(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		slog.DebugContext(ctx, "nothing to check", "created", created)
		return nil
	}

	// Stamped up front so a crash mid-batch does not put the same tracks
	// back at the head of the queue.
	now := w.now()
	ids := make([]int64, 0, len(checks))
	for _, c := range checks {
		ids = append(ids, c.TrackID)
	}
	if err := w.repo.MarkChecked(ctx, ids, now); err != nil {
		return err
	}

	beaten := 0
	for _, c := range checks {
		status, err := w.evaluate(ctx, c, now)
		if err != nil {
			metrics.AuthorTimeChecksTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("error checking track %d: %w", c.TrackID, err)
		}

		if err := w.repo.SaveAuthorTimeStatus(ctx, status); err != nil {
			return err
		}

		switch {
		case status.Broken:
			metrics.AuthorTimeChecksTotal.WithLabelValues("broken").Inc()
		case status.Beaten:
			beaten++
			metrics.AuthorTimeChecksTotal.WithLabelValues("beaten").Inc()
		default:
			metrics.AuthorTimeChecksTotal.WithLabelValues("unbeaten").Inc()
		}
	}

	slog.InfoContext(ctx, "author times checked", "created", created, "checked", len(checks), "beaten", beaten)

	return nil
}

func (w *Watcher) evaluate(ctx context.Context, c pitlane.TrackCheck, now time.Time) (pitlane.AuthorTimeStatus, error) {
	status := c.Status
	status.TrackID = c.TrackID
	status.LastChecked = &now

	if c.MapUID == nil {
		status.Broken = true
		return status, nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return pitlane.AuthorTimeStatus{}, err
	}
	entries, err := w.lb.LeaderboardTop(ctx, *c.MapUID, TopLength)
	if err != nil {
		return pitlane.AuthorTimeStatus{}, err
	}
	if len(entries) == 0 {
		return status, nil
	}

	best := entries[0]
	for _, e := range entries[1:] {
		if e.Score < best.Score {
			best = e
		}
	}
	status.WRScore = &best.Score
	status.WRHolder = &best.AccountID

	if best.Score > c.AuthorTime {
		return status, nil
	}

	status.Beaten = true
	for _, e := range entries {
		if e.Score <= c.AuthorTime {
			status.BeatenBy = status.BeatenBy.Add(e.AccountID)
		}
	}
	if status.BeatenAt == nil {
		status.BeatenAt = &now
	}

	return status, nil
}
