package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

const trackNamespace = "-trk"

func (r Repo) UpsertTracks(ctx context.Context, tracks []pitlane.Track) error {
	if len(tracks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The local id is only used for new rows; on conflict the stored one stays.
	const q = `INSERT INTO tracks (
		id,
		track_id,
		map_uid,
		name,
		author_name,
		author_time,
		difficulty,
		length,
		tags,
		award_count,
		uploaded_at,
		updated_at
	) VALUES (
		:id,
		:track_id,
		:map_uid,
		:name,
		:author_name,
		:author_time,
		:difficulty,
		:length,
		:tags,
		:award_count,
		:uploaded_at,
		:updated_at
	)
	ON CONFLICT (track_id) DO UPDATE SET
		map_uid = excluded.map_uid,
		name = excluded.name,
		author_name = excluded.author_name,
		author_time = excluded.author_time,
		difficulty = excluded.difficulty,
		length = excluded.length,
		tags = excluded.tags,
		award_count = excluded.award_count,
		uploaded_at = excluded.uploaded_at,
		updated_at = excluded.updated_at;`
	for _, t := range tracks {
		t.ID = uuid.NewString() + trackNamespace
		t.UploadedAt = utc(t.UploadedAt)
		t.UpdatedAt = utc(t.UpdatedAt)

		if _, err := tx.NamedExecContext(ctx, q, t); err != nil {
			return fmt.Errorf("error saving track %d: %w: %s", t.TrackID, pterrs.ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing tracks: %w", err)
	}

	return nil
}

func (r Repo) Track(ctx context.Context, trackID int64) (pitlane.Track, error) {
	const q = `SELECT * FROM tracks WHERE track_id = ?;`

	var t pitlane.Track
	err := r.db.GetContext(ctx, &t, q, trackID)
	if errors.Is(err, sql.ErrNoRows) {
		return pitlane.Track{}, pterrs.ErrNotFound
	}
	if err != nil {
		return pitlane.Track{}, fmt.Errorf("error fetching track: %s", err)
	}

	return t, nil
}

func (r Repo) TrackByUID(ctx context.Context, uid string) (pitlane.Track, error) {
	const q = `SELECT * FROM tracks WHERE map_uid = ?;`

	var t pitlane.Track
	err := r.db.GetContext(ctx, &t, q, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return pitlane.Track{}, pterrs.ErrNotFound
	}
	if err != nil {
		return pitlane.Track{}, fmt.Errorf("error fetching track by uid: %s", err)
	}

	return t, nil
}
