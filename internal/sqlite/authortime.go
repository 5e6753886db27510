package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

func (r Repo) BackfillAuthorTimeStatuses(ctx context.Context, limit int) (int, error) {
	const q = `
	INSERT INTO author_time_statuses (track_id)
	SELECT
		t.track_id
	FROM
		tracks t
		LEFT JOIN author_time_statuses s ON s.track_id = t.track_id
	WHERE
		s.track_id IS NULL
	ORDER BY t.track_id ASC
	LIMIT ?;
	`

	res, err := r.db.ExecContext(ctx, q, limit)
	if err != nil {
		return 0, fmt.Errorf("error backfilling author time statuses: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting backfilled statuses: %s", err)
	}

	return int(n), nil
}

func (r Repo) TracksToCheck(ctx context.Context, limit int) ([]pitlane.TrackCheck, error) {
	// NULL last_checked sorts first: never-checked tracks are the stalest.
	const q = `
	SELECT
		t.track_id,
		t.map_uid,
		t.author_time,
		s.track_id AS "status.track_id",
		s.beaten AS "status.beaten",
		s.broken AS "status.broken",
		s.last_checked AS "status.last_checked",
		s.wr_score AS "status.wr_score",
		s.wr_holder AS "status.wr_holder",
		s.beaten_by AS "status.beaten_by",
		s.beaten_at AS "status.beaten_at"
	FROM
		author_time_statuses s
		INNER JOIN tracks t ON t.track_id = s.track_id
	WHERE
		s.beaten = 0 AND s.broken = 0
	ORDER BY s.last_checked ASC, s.track_id ASC
	LIMIT ?;
	`

	var checks []pitlane.TrackCheck
	if err := r.db.SelectContext(ctx, &checks, q, limit); err != nil {
		return nil, fmt.Errorf("error selecting tracks to check: %s", err)
	}

	return checks, nil
}

func (r Repo) MarkChecked(ctx context.Context, trackIDs []int64, at time.Time) error {
	if len(trackIDs) == 0 {
		return nil
	}

	query, args, err := sq.Update("author_time_statuses").
		Set("last_checked", utc(at)).
		Where(sq.Eq{"track_id": trackIDs}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error marking tracks checked: %s", err)
	}

	return nil
}

func (r Repo) SaveAuthorTimeStatus(ctx context.Context, status pitlane.AuthorTimeStatus) error {
	// beaten and broken only ever go from false to true.
	const q = `INSERT INTO author_time_statuses (
		track_id,
		beaten,
		broken,
		last_checked,
		wr_score,
		wr_holder,
		beaten_by,
		beaten_at
	) VALUES (
		:track_id,
		:beaten,
		:broken,
		:last_checked,
		:wr_score,
		:wr_holder,
		:beaten_by,
		:beaten_at
	)
	ON CONFLICT (track_id) DO UPDATE SET
		beaten = author_time_statuses.beaten OR excluded.beaten,
		broken = author_time_statuses.broken OR excluded.broken,
		last_checked = excluded.last_checked,
		wr_score = excluded.wr_score,
		wr_holder = excluded.wr_holder,
		beaten_by = excluded.beaten_by,
		beaten_at = COALESCE(author_time_statuses.beaten_at, excluded.beaten_at);`

	status.LastChecked = utcPtr(status.LastChecked)
	status.BeatenAt = utcPtr(status.BeatenAt)
	if _, err := r.db.NamedExecContext(ctx, q, status); err != nil {
		return fmt.Errorf("error saving author time status for %d: %w: %s", status.TrackID, pterrs.ErrPersistence, err)
	}

	return nil
}

func (r Repo) AuthorTimeStatus(ctx context.Context, trackID int64) (pitlane.AuthorTimeStatus, error) {
	const q = `SELECT * FROM author_time_statuses WHERE track_id = ?;`

	var s pitlane.AuthorTimeStatus
	err := r.db.GetContext(ctx, &s, q, trackID)
	if errors.Is(err, sql.ErrNoRows) {
		return pitlane.AuthorTimeStatus{}, pterrs.ErrNotFound
	}
	if err != nil {
		return pitlane.AuthorTimeStatus{}, fmt.Errorf("error fetching author time status: %s", err)
	}

	return s, nil
}
