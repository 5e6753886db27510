// Package scrape keeps the track cache in step with the catalog through two
// independent loops: one walking new ids upward, one walking the feed of
// recently updated tracks back to where it last stopped.
package scrape

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdholdren/pitlane/internal/pitlane"
)

// Pause is the spacing between consecutive catalog requests of one loop,
// which keeps a loop well under the catalog's rate limit.
const Pause = 800 * time.Millisecond

type catalog interface {
	LatestTrackID(ctx context.Context) (int64, error)
	Tracks(ctx context.Context, ids []int64) ([]pitlane.Track, error)
	RecentlyUpdated(ctx context.Context, page int) ([]pitlane.Track, error)
}

type store interface {
	pitlane.CursorRepo
	UpsertTracks(ctx context.Context, tracks []pitlane.Track) error
}

func newLimiter(pause time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(pause), 1)
}
