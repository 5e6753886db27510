// Package cotd follows the daily cup through its lifecycle: it waits for
// the next occurrence, resolves which track it is played on, and snapshots
// the standings while it runs.
package cotd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/logger"
	"github.com/jdholdren/pitlane/internal/loop"
	"github.com/jdholdren/pitlane/internal/metrics"
	"github.com/jdholdren/pitlane/internal/nadeo"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

type State int32

const (
	AwaitingNext State = iota
	WaitingToStart
	Active
	Cooldown
)

var states = []State{AwaitingNext, WaitingToStart, Active, Cooldown}

func (s State) String() string {
	switch s {
	case AwaitingNext:
		return "awaiting_next"
	case WaitingToStart:
		return "waiting_to_start"
	case Active:
		return "active"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Timings of the lifecycle. Production uses [DefaultTimings].
type Timings struct {
	// Wake up this long before the announced start.
	PreStart time.Duration
	// Standings are snapshotted once per interval while active.
	PollInterval time.Duration
	// Keep polling this long past the end for late results.
	EndGrace time.Duration
	// Sleep after a failed cycle. Deliberately not a round number so it
	// drifts against the other loops.
	ErrorBackoff time.Duration

	ResolveAttempts uint64
	ResolveInterval time.Duration

	// A concluded descriptor is not polled again until this long past its
	// end, and never sooner than StaleMinSleep from now.
	StaleWindow   time.Duration
	StaleMinSleep time.Duration

	PageSize int
}

var DefaultTimings = Timings{
	PreStart:        10 * time.Second,
	PollInterval:    10 * time.Second,
	EndGrace:        30 * time.Second,
	ErrorBackoff:    188 * time.Second,
	ResolveAttempts: 10,
	ResolveInterval: 10 * time.Second,
	StaleWindow:     20 * time.Minute,
	StaleMinSleep:   5 * time.Minute,
	PageSize:        100,
}

type source interface {
	CurrentCup(ctx context.Context) (nadeo.Cup, bool, error)
	TrackOfTheDays(ctx context.Context) ([]nadeo.DayTrack, error)
	ChallengeLeaderboard(ctx context.Context, challengeID int64, length, offset int) ([]nadeo.ChallengeResult, error)
}

type Watcher struct {
	t     Timings
	src   source
	repo  pitlane.EventRepo
	now   func() time.Time
	state atomic.Int32

	onState func(State) // Observes transitions in tests
}

func NewWatcher(t Timings, src source, repo pitlane.EventRepo) *Watcher {
	if t == (Timings{}) {
		t = DefaultTimings
	}
	if t.ResolveAttempts == 0 {
		t.ResolveAttempts = 1
	}
	if t.PageSize == 0 {
		t.PageSize = DefaultTimings.PageSize
	}

	return &Watcher{
		t:    t,
		src:  src,
		repo: repo,
		now:  time.Now,
	}
}

// State is where in the lifecycle the watcher currently is.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
	for _, other := range states {
		v := 0.0
		if other == s {
			v = 1
		}
		metrics.EventState.WithLabelValues(other.String()).Set(v)
	}
	if w.onState != nil {
		w.onState(s)
	}
}

// Run cycles through events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = logger.Ctx(ctx, slog.String("loop", "cotd"))

	for {
		w.setState(AwaitingNext)

		sleep, err := w.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.LoopIterationsTotal.WithLabelValues("cotd", "failure").Inc()
			slog.ErrorContext(ctx, "event cycle failed", "err", err, "backoff", w.t.ErrorBackoff)
			sleep = w.t.ErrorBackoff
		} else {
			metrics.LoopIterationsTotal.WithLabelValues("cotd", "success").Inc()
		}

		if err := loop.Sleep(ctx, sleep); err != nil {
			return nil
		}
	}
}

// OutcomeKind tags an [Outcome].
type OutcomeKind int

const (
	// OutcomeActive carries an event that has not ended yet.
	OutcomeActive OutcomeKind = iota
	// OutcomeStale means the announced event is over; poll again at
	// ResumeAfter.
	OutcomeStale
)

// Outcome is the result of looking for the next event.
type Outcome struct {
	Kind        OutcomeKind
	Event       pitlane.Event
	ResumeAfter time.Time
}

// cycle runs one event from discovery to the end of its grace period and
// returns how long to sleep before the next one.
func (w *Watcher) cycle(ctx context.Context) (time.Duration, error) {
	out, err := w.poll(ctx)
	if err != nil {
		return 0, err
	}

	if out.Kind == OutcomeStale {
		w.setState(Cooldown)
		sleep := loop.Until(w.now(), out.ResumeAfter)
		slog.InfoContext(ctx, "event info is stale", "resume_after", out.ResumeAfter, "sleep", sleep)
		return sleep, nil
	}

	ev := out.Event
	ctx = logger.Ctx(ctx, slog.Int64("challenge_id", ev.ChallengeID))

	w.setState(WaitingToStart)
	slog.InfoContext(ctx, "waiting for event", "starts_at", ev.StartsAt, "ends_at", ev.EndsAt)
	if err := loop.Sleep(ctx, loop.Until(w.now(), ev.StartsAt.Add(-w.t.PreStart))); err != nil {
		return 0, err
	}

	uid, err := w.resolveMap(ctx, ev.StartsAt)
	if err != nil {
		return 0, err
	}
	ev.MapUID = uid

	// The stored times are cut to the second; the lifecycle keeps the
	// announced ones.
	stored, err := w.repo.UpsertEvent(ctx, ev)
	if err != nil {
		return 0, err
	}
	ev.ID = stored.ID

	w.setState(Active)
	slog.InfoContext(ctx, "event active", "event_id", ev.ID, "map_uid", ev.MapUID)

	snapshots := 0
	for {
		tickStart := w.now()
		if tickStart.After(ev.EndsAt.Add(w.t.EndGrace)) {
			break
		}

		n, err := w.snapshot(ctx, ev, tickStart)
		if err != nil {
			return 0, err
		}
		snapshots++
		slog.DebugContext(ctx, "standings snapshotted", "rows", n)

		if err := loop.Sleep(ctx, loop.Remaining(w.t.PollInterval, w.now().Sub(tickStart))); err != nil {
			return 0, err
		}
	}

	slog.InfoContext(ctx, "event over", "snapshots", snapshots)

	return 0, nil
}

// poll fetches the current descriptor and decides whether it is worth
// waiting for.
func (w *Watcher) poll(ctx context.Context) (Outcome, error) {
	cup, ok, err := w.src.CurrentCup(ctx)
	if err != nil {
		return Outcome{}, err
	}

	now := w.now()
	if !ok {
		return Outcome{Kind: OutcomeStale, ResumeAfter: now.Add(w.t.StaleMinSleep)}, nil
	}

	if now.After(cup.EndsAt) {
		resume := cup.EndsAt.Add(w.t.StaleWindow)
		if floor := now.Add(w.t.StaleMinSleep); resume.Before(floor) {
			resume = floor
		}
		return Outcome{Kind: OutcomeStale, ResumeAfter: resume}, nil
	}

	return Outcome{
		Kind: OutcomeActive,
		Event: pitlane.Event{
			ChallengeID:   cup.ChallengeID,
			CompetitionID: cup.CompetitionID,
			Name:          cup.Name,
			StartsAt:      cup.StartsAt,
			EndsAt:        cup.EndsAt,
		},
	}, nil
}

var errNoDayTrack = errors.New("no featured track covers the event start")

// resolveMap finds the featured track whose window covers start. The feed
// switches over around the start, so it is polled a bounded number of times.
func (w *Watcher) resolveMap(ctx context.Context, start time.Time) (string, error) {
	var uid string
	b := retry.WithMaxRetries(w.t.ResolveAttempts-1, retry.NewConstant(w.t.ResolveInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		days, err := w.src.TrackOfTheDays(ctx)
		if err != nil {
			slog.WarnContext(ctx, "error fetching featured tracks", "err", err)
			return retry.RetryableError(err)
		}

		for _, d := range days {
			if !start.Before(d.StartsAt) && start.Before(d.EndsAt) {
				uid = d.MapUID
				return nil
			}
		}

		return retry.RetryableError(errNoDayTrack)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolving track after %d attempts: %s", pterrs.ErrAttemptsExhausted, w.t.ResolveAttempts, err)
	}

	return uid, nil
}

// snapshot stores the full standings as of at.
func (w *Watcher) snapshot(ctx context.Context, ev pitlane.Event, at time.Time) (int, error) {
	var rankings []pitlane.Ranking
	for offset := 0; ; offset += w.t.PageSize {
		page, err := w.src.ChallengeLeaderboard(ctx, ev.ChallengeID, w.t.PageSize, offset)
		if err != nil {
			return 0, err
		}

		for _, r := range page {
			rankings = append(rankings, pitlane.Ranking{
				EventID:    ev.ID,
				SnapshotAt: at,
				Rank:       r.Rank,
				Score:      r.Score,
				AccountID:  r.AccountID,
			})
		}

		if len(page) < w.t.PageSize {
			break
		}
	}

	n, err := w.repo.InsertRankings(ctx, rankings)
	if err != nil {
		return 0, err
	}
	metrics.RankingRowsTotal.Add(float64(n))

	return n, nil
}
