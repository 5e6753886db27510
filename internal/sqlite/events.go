package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

const (
	eventNamespace   = "-evt"
	rankingNamespace = "-rnk"
)

func (r Repo) UpsertEvent(ctx context.Context, ev pitlane.Event) (pitlane.Event, error) {
	const q = `INSERT INTO events (id, challenge_id, competition_id, map_uid, name, starts_at, ends_at)
	VALUES (:id, :challenge_id, :competition_id, :map_uid, :name, :starts_at, :ends_at)
	ON CONFLICT (challenge_id, map_uid, starts_at, ends_at) DO UPDATE SET
		competition_id = excluded.competition_id,
		name = excluded.name;`

	ev.ID = uuid.NewString() + eventNamespace
	ev.StartsAt = utc(ev.StartsAt.Truncate(time.Second))
	ev.EndsAt = utc(ev.EndsAt.Truncate(time.Second))
	if _, err := r.db.NamedExecContext(ctx, q, ev); err != nil {
		return pitlane.Event{}, fmt.Errorf("error saving event %d: %w: %s", ev.ChallengeID, pterrs.ErrPersistence, err)
	}

	const sel = `SELECT * FROM events
	WHERE challenge_id = ? AND map_uid = ? AND starts_at = ? AND ends_at = ?;`
	var stored pitlane.Event
	if err := r.db.GetContext(ctx, &stored, sel, ev.ChallengeID, ev.MapUID, ev.StartsAt, ev.EndsAt); err != nil {
		return pitlane.Event{}, fmt.Errorf("error fetching saved event: %s", err)
	}

	return stored, nil
}

func (r Repo) InsertRankings(ctx context.Context, rankings []pitlane.Ranking) (int, error) {
	if len(rankings) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT OR IGNORE INTO event_rankings (id, event_id, snapshot_at, rank, score, account_id)
	VALUES (:id, :event_id, :snapshot_at, :rank, :score, :account_id);`
	inserted := 0
	for _, rk := range rankings {
		rk.ID = uuid.NewString() + rankingNamespace
		rk.SnapshotAt = utc(rk.SnapshotAt)

		res, err := tx.NamedExecContext(ctx, q, rk)
		if err != nil {
			return 0, fmt.Errorf("error saving ranking %d: %w: %s", rk.Rank, pterrs.ErrPersistence, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("error counting inserted ranking: %s", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing rankings: %w", err)
	}

	return inserted, nil
}

func (r Repo) EventRankings(ctx context.Context, eventID string) ([]pitlane.Ranking, error) {
	const q = `SELECT * FROM event_rankings WHERE event_id = ? ORDER BY snapshot_at ASC, rank ASC;`

	var rankings []pitlane.Ranking
	if err := r.db.SelectContext(ctx, &rankings, q, eventID); err != nil {
		return nil, fmt.Errorf("error selecting event rankings: %s", err)
	}

	return rankings, nil
}
